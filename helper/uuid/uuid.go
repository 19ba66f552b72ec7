// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package uuid generates random identifiers for connections and other
// short-lived resources.
package uuid

import (
	"crypto/rand"
	"fmt"
)

// Generate returns a random UUID-shaped identifier.
func Generate() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Errorf("failed to read random bytes: %v", err))
	}
	return fmt.Sprintf("%08x-%04x-%04x-%04x-%12x",
		buf[0:4], buf[4:6], buf[6:8], buf[8:10], buf[10:16])
}

// Short returns an 8 character identifier, for contexts where collisions
// are tolerable and log readability matters more.
func Short() string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Errorf("failed to read random bytes: %v", err))
	}
	return fmt.Sprintf("%08x", buf)
}
