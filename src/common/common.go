package common

import (
	"context"
	"runtime/debug"
)

// Component is a long-running unit wired together in cmd.
type Component interface {
	Run(context.Context) error
}

func HandlePanic() {
	if r := recover(); r != nil {
		Logger.Sugar().Errorf("catch panic: %v \n stack: %s", r, string(debug.Stack()))
	}
}
