// Copyright (c) 2026
// Author: momentics <momentics@gmail.com>

// Package loop implements a reactor-style event loop: a Context owns a set
// of attached Sources and iterates them through a prepare/poll/check/dispatch
// cycle around one blocking poll(2) wait per iteration.
//
// Exactly one goroutine iterates a given Context at a time. Other goroutines
// interact through Invoke, which enqueues a one-shot callback under its own
// lock and interrupts a blocked wait via an eventfd wake descriptor, or
// through Attachment.Detach, which is safe from any goroutine.
//
// Dispatch order within an iteration is deterministic: ascending priority,
// then attachment order. Idle-class work is an ordinary source attached at a
// larger priority value.
package loop
