// Completion: 100% - terminal-detection ioctl, BSD-family
//go:build !linux

package main

import "golang.org/x/sys/unix"

const ioctlGetTermios = unix.TIOCGETA
