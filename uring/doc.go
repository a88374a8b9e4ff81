// Copyright (c) 2026
// Author: momentics <momentics@gmail.com>

// Package uring implements a kernel-asynchronous-IO event source over
// io_uring. The Backend is an ordinary loop source: its only poll target is
// the ring descriptor, which becomes readable when the completion ring is
// non-empty, and its dispatch drains every visible completion in FIFO order.
//
// Operations are tracked in a fixed arena of records indexed by a small
// integer tag carried through the kernel's user-data slot. A buffer handed
// to Submit stays pinned until that operation's completion has been drained,
// and is released exactly once, by the backend.
package uring
