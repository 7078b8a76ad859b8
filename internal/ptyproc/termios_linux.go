package ptyproc

import "golang.org/x/sys/unix"

const (
	ioctlReadTermios = unix.TCGETS
	ioctlReadPending = unix.TIOCINQ
)
