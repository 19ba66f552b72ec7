// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package stream

import (
	"testing"

	"go.uber.org/goleak"
)

// Every router and broadcaster started by a test is shut down through its
// cleanup, so a leaked goroutine here is a real dispatcher leak.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
