// Copyright (c) 2026
// Author: momentics <momentics@gmail.com>

// Package api defines the contracts shared by the ringloop packages: the
// Source lifecycle interface, poll targets and event masks, dispatch
// priorities, and the common error values.
package api
