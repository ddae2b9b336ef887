package btstream

import (
	"reflect"

	"github.com/quic-go/quic-go"
	"go.uber.org/mock/gomock"
)

// MockStream is a hand-authored gomock double for the Stream interface,
// following the shape mockgen would emit for it. Kept by hand since this
// module never runs a code generator.
type MockStream struct {
	ctrl     *gomock.Controller
	recorder *MockStreamMockRecorder
}

type MockStreamMockRecorder struct {
	mock *MockStream
}

func NewMockStream(ctrl *gomock.Controller) *MockStream {
	m := &MockStream{ctrl: ctrl}
	m.recorder = &MockStreamMockRecorder{m}

	return m
}

func (m *MockStream) EXPECT() *MockStreamMockRecorder { return m.recorder }

func (m *MockStream) Read(p []byte) (int, error) {
	ret := m.ctrl.Call(m, "Read", p)
	n, _ := ret[0].(int)
	err, _ := ret[1].(error)

	return n, err
}

func (mr *MockStreamMockRecorder) Read(p interface{}) *gomock.Call {
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Read", reflect.TypeOf((*MockStream)(nil).Read), p)
}

func (m *MockStream) Write(p []byte) (int, error) {
	ret := m.ctrl.Call(m, "Write", p)
	n, _ := ret[0].(int)
	err, _ := ret[1].(error)

	return n, err
}

func (mr *MockStreamMockRecorder) Write(p interface{}) *gomock.Call {
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Write", reflect.TypeOf((*MockStream)(nil).Write), p)
}

func (m *MockStream) CancelRead(code quic.StreamErrorCode) {
	m.ctrl.Call(m, "CancelRead", code)
}

func (mr *MockStreamMockRecorder) CancelRead(code interface{}) *gomock.Call {
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "CancelRead", reflect.TypeOf((*MockStream)(nil).CancelRead), code)
}

func (m *MockStream) CancelWrite(code quic.StreamErrorCode) {
	m.ctrl.Call(m, "CancelWrite", code)
}

func (mr *MockStreamMockRecorder) CancelWrite(code interface{}) *gomock.Call {
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "CancelWrite", reflect.TypeOf((*MockStream)(nil).CancelWrite), code)
}

func (m *MockStream) Close() error {
	ret := m.ctrl.Call(m, "Close")
	err, _ := ret[0].(error)

	return err
}

func (mr *MockStreamMockRecorder) Close() *gomock.Call {
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Close", reflect.TypeOf((*MockStream)(nil).Close))
}
