package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockGenerator is a testify mock of llm.Generator.
type MockGenerator struct {
	mock.Mock
}

type MockGenerator_Expecter struct {
	mock *mock.Mock
}

func (_m *MockGenerator) EXPECT() *MockGenerator_Expecter {
	return &MockGenerator_Expecter{mock: &_m.Mock}
}

func (_m *MockGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	ret := _m.Called(ctx, prompt)

	if len(ret) == 0 {
		panic("no return value specified for Generate")
	}

	return ret.String(0), ret.Error(1)
}

type MockGenerator_Generate_Call struct {
	*mock.Call
}

func (_e *MockGenerator_Expecter) Generate(ctx interface{}, prompt interface{}) *MockGenerator_Generate_Call {
	return &MockGenerator_Generate_Call{Call: _e.mock.On("Generate", ctx, prompt)}
}

func (_c *MockGenerator_Generate_Call) Run(run func(ctx context.Context, prompt string)) *MockGenerator_Generate_Call {
	_c.Call.Run(func(args mock.Arguments) {
		run(args[0].(context.Context), args[1].(string))
	})
	return _c
}

func (_c *MockGenerator_Generate_Call) Return(text string, err error) *MockGenerator_Generate_Call {
	_c.Call.Return(text, err)
	return _c
}

func NewMockGenerator(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockGenerator {
	m := &MockGenerator{}
	m.Mock.Test(t)

	t.Cleanup(func() { m.AssertExpectations(t) })

	return m
}
