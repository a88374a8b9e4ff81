// Copyright (c) 2026
// Author: momentics <momentics@gmail.com>

// Package pool provides reference-counted byte buffers over sync.Pool backed
// slabs. The ring backend hands these to the kernel, so a buffer must stay
// pinned until its completion is drained; the reference count makes the
// release-exactly-once contract checkable.
package pool
