// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package tls

import (
	"context"
	"debug/elf"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbeema/usm/pkg/protocols"
)

// selfWithTLS makes sure the test binary links crypto/tls and returns its
// path.
func selfWithTLS(t *testing.T) string {
	t.Helper()
	if runtime.GOOS != "linux" || (runtime.GOARCH != "amd64" && runtime.GOARCH != "arm64") {
		t.Skip("ELF inspection needs linux on amd64 or arm64")
	}
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}))
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()

	exe, err := os.Executable()
	require.NoError(t, err)
	return exe
}

func TestInspectBinary(t *testing.T) {
	exe := selfWithTLS(t)

	b, err := InspectBinary(exe)
	switch {
	case errors.Is(err, ErrNoDWARF):
		t.Skip("test binary built without DWARF")
	case errors.Is(err, ErrNoGoTLS), errors.Is(err, ErrStripped):
		t.Skip("test binary built without a symbol table")
	}
	require.NoError(t, err)
	assert.Equal(t, runtime.Version(), b.GoVersion)
	assert.Equal(t, runtime.GOARCH, b.Arch)
	assert.NotZero(t, b.Offsets.GoroutineID)
	assert.NotZero(t, b.Offsets.PollFDSysfd)
	assert.Equal(t, uint8(1), b.Offsets.RegisterABI)
	for _, fn := range []string{ReadFunc, WriteFunc, CloseFunc} {
		assert.NotZero(t, b.Symbols[fn], fn)
	}
	for _, fn := range []string{ReadFunc, WriteFunc} {
		assert.NotEmpty(t, b.Returns[fn], fn)
	}
	assert.True(t, LinksGoTLS(exe))
}

func TestInspectRejectsNonGo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "script.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\necho hi\n"), 0o755))

	_, err := InspectBinary(path)
	assert.ErrorIs(t, err, ErrNotGo)
	assert.False(t, LinksGoTLS(path))
}

func TestCheckGoTLSStripped(t *testing.T) {
	exe := selfWithTLS(t)
	if CheckGoTLS(exe) != nil {
		t.Skip("test binary built without a symbol table")
	}
	strip, err := exec.LookPath("strip")
	if err != nil {
		t.Skip("strip not installed")
	}
	out := filepath.Join(t.TempDir(), "stripped")
	require.NoError(t, exec.Command(strip, "-o", out, exe).Run())

	assert.ErrorIs(t, CheckGoTLS(out), ErrStripped)
	assert.False(t, LinksGoTLS(out))
	_, err = InspectBinary(out)
	assert.ErrorIs(t, err, ErrStripped)
	assert.ErrorIs(t, CheckGoTLS(filepath.Join(t.TempDir(), "missing")), ErrNotGo)
}

func TestRegisterABI(t *testing.T) {
	for v, want := range map[string]bool{
		"go1.16.15": false,
		"go1.18":    true,
		"go1.21rc2": true,
		"go1.23.4":  true,
		"devel":     false,
	} {
		assert.Equal(t, want, registerABI(v), v)
	}
}

func TestLibraryTag(t *testing.T) {
	assert.Equal(t, protocols.TagOpenSSL, LibraryTag("/usr/lib/x86_64-linux-gnu/libssl.so.3"))
	assert.Equal(t, protocols.TagGnuTLS, LibraryTag("/lib64/libgnutls.so.30"))
	assert.Equal(t, protocols.ConnTag(0), LibraryTag("/usr/lib/libcrypto.so.3"))
	assert.True(t, Libraries{}.Empty())
}

func TestDiscoverSelf(t *testing.T) {
	exe := selfWithTLS(t)

	libs, err := Discover(context.Background(), uint32(os.Getpid()))
	require.NoError(t, err)
	assert.Equal(t, uint32(os.Getpid()), libs.PID)
	if LinksGoTLS(exe) {
		assert.Equal(t, exe, libs.GoBinary)
	}
}

func TestReturnOffsets(t *testing.T) {
	// push rbp; mov rbp,rsp; pop rbp; ret; nop; ret; int3
	x86 := []byte{0x55, 0x48, 0x89, 0xe5, 0x5d, 0xc3, 0x90, 0xc3, 0xcc}
	offs, err := returnOffsets(x86, elf.EM_X86_64)
	require.NoError(t, err)
	assert.Equal(t, []uint64{5, 7}, offs)

	// nop; ret; nop; ret
	arm := []byte{
		0x1f, 0x20, 0x03, 0xd5,
		0xc0, 0x03, 0x5f, 0xd6,
		0x1f, 0x20, 0x03, 0xd5,
		0xc0, 0x03, 0x5f, 0xd6,
	}
	offs, err = returnOffsets(arm, elf.EM_AARCH64)
	require.NoError(t, err)
	assert.Equal(t, []uint64{4, 12}, offs)

	_, err = returnOffsets([]byte{0x90, 0x90}, elf.EM_X86_64)
	assert.ErrorIs(t, err, ErrNoReturn)
	_, err = returnOffsets(x86, elf.EM_386)
	assert.ErrorIs(t, err, ErrUnsupportedArch)
}
