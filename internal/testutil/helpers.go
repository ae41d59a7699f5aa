// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package testutil holds helpers shared by package tests.
package testutil

import (
	"os"
	"testing"
)

// KernelTestEnv enables tests that talk to the running kernel over netlink.
const KernelTestEnv = "FLYOFFLOAD_KERNEL_TEST"

// RequireKernel skips the test unless KernelTestEnv is set. Such tests need
// CAP_NET_ADMIN and the nf_conntrack module, so they only run in a VM or a
// privileged container.
func RequireKernel(t *testing.T) {
	t.Helper()
	if os.Getenv(KernelTestEnv) == "" {
		t.Skipf("Skipping test: requires %s environment", KernelTestEnv)
	}
}
