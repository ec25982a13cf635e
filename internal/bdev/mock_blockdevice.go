// Code generated in the style produced by go.uber.org/mock's mockgen for
// the BlockDevice interface; hand-maintained here since this module does
// not run `go generate`. See internal/bdev.BlockDevice.

package bdev

import (
	"reflect"

	"go.uber.org/mock/gomock"
)

// MockBlockDevice is a mock of the BlockDevice interface.
type MockBlockDevice struct {
	ctrl     *gomock.Controller
	recorder *MockBlockDeviceMockRecorder
}

// MockBlockDeviceMockRecorder is the mock recorder for MockBlockDevice.
type MockBlockDeviceMockRecorder struct {
	mock *MockBlockDevice
}

// NewMockBlockDevice creates a new mock instance.
func NewMockBlockDevice(ctrl *gomock.Controller) *MockBlockDevice {
	mock := &MockBlockDevice{ctrl: ctrl}
	mock.recorder = &MockBlockDeviceMockRecorder{mock}
	return mock
}

// EXPECT returns an object that allows the caller to indicate expected use.
func (m *MockBlockDevice) EXPECT() *MockBlockDeviceMockRecorder {
	return m.recorder
}

// ReadBlock mocks base method.
func (m *MockBlockDevice) ReadBlock(id uint64, buf []byte) error {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "ReadBlock", id, buf)
	ret0, _ := ret[0].(error)
	return ret0
}

// ReadBlock indicates an expected call of ReadBlock.
func (mr *MockBlockDeviceMockRecorder) ReadBlock(id, buf interface{}) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "ReadBlock",
		reflect.TypeOf((*MockBlockDevice)(nil).ReadBlock), id, buf)
}

// WriteBlock mocks base method.
func (m *MockBlockDevice) WriteBlock(id uint64, buf []byte) error {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "WriteBlock", id, buf)
	ret0, _ := ret[0].(error)
	return ret0
}

// WriteBlock indicates an expected call of WriteBlock.
func (mr *MockBlockDeviceMockRecorder) WriteBlock(id, buf interface{}) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "WriteBlock",
		reflect.TypeOf((*MockBlockDevice)(nil).WriteBlock), id, buf)
}
