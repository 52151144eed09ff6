//go:build !linux
// +build !linux

package etcdtest

import "syscall"

var getSysProcAttr = func() *syscall.SysProcAttr { return nil }
