//go:build darwin || freebsd || netbsd || openbsd

package ptyproc

import "golang.org/x/sys/unix"

const (
	ioctlReadTermios = unix.TIOCGETA
	ioctlReadPending = unix.FIONREAD
)
