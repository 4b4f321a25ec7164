// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build linux

package ebpf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"syscall"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/rlimit"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/mbeema/usm/pkg/offsetguess"
)

// guessOffsets finds the struct sock and struct pid offsets on a kernel
// without BTF. The guess object snapshots both structs, keyed by pid_tgid,
// whenever tcp_getsockopt runs; calling it on loopback connections whose
// endpoints are known gives the guesser its samples.
func guessOffsets(path string, logger *zap.Logger) (map[string]uint64, error) {
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("remove memlock limit: %w", err)
	}
	coll, err := ebpf.LoadCollection(path)
	if err != nil {
		return nil, fmt.Errorf("load guess object: %w", err)
	}
	defer coll.Close()

	prog, socks, pids := coll.Programs[guessProgram], coll.Maps[SockSnapshotMap], coll.Maps[PIDSnapshotMap]
	if prog == nil || socks == nil {
		return nil, fmt.Errorf("guess object lacks %s or %s", guessProgram, SockSnapshotMap)
	}
	kp, err := link.Kprobe(guessFunction, prog, nil)
	if err != nil {
		return nil, fmt.Errorf("attach %s: %w", guessFunction, err)
	}
	defer kp.Close()

	netns, err := selfNetns()
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp4", "127.0.0.2:0")
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	var (
		sockSnaps []offsetguess.Snapshot
		pidSnaps  [][]byte
		tids      []uint32
	)
	for i := 0; i < guessSamples; i++ {
		d := net.Dialer{LocalAddr: &net.TCPAddr{IP: net.IPv4(127, 0, 0, byte(10+i))}}
		c, err := d.Dial("tcp4", ln.Addr().String())
		if err != nil {
			return nil, fmt.Errorf("dial: %w", err)
		}
		sock, pid, tid, err := provoke(c.(*net.TCPConn), socks, pids)
		local := c.LocalAddr().(*net.TCPAddr).AddrPort()
		remote := c.RemoteAddr().(*net.TCPAddr).AddrPort()
		c.Close()
		if err != nil {
			return nil, err
		}
		sockSnaps = append(sockSnaps, offsetguess.Snapshot{
			Memory:   sock,
			Expected: expectedFor(netip.AddrPortFrom(local.Addr().Unmap(), local.Port()), netip.AddrPortFrom(remote.Addr().Unmap(), remote.Port()), netns),
		})
		if pid != nil {
			pidSnaps = append(pidSnaps, pid)
			tids = append(tids, tid)
		}
	}

	offsets, err := offsetguess.NewGuesser(int(socks.ValueSize()), logger).GuessSocket(sockSnaps)
	if err != nil {
		return nil, err
	}
	out := offsets.Constants()
	if len(pidSnaps) > 0 {
		off, perr := offsetguess.GuessPIDOffset(pidSnaps, tids, int(pids.ValueSize()))
		if perr != nil {
			logger.Debug("pid offset not guessed", zap.Error(perr))
		} else {
			out[pidNrConstant] = off
		}
	}
	return out, nil
}

// provoke calls getsockopt on c and returns the snapshots the probe took on
// this thread. The thread pid is the number struct pid holds for it.
func provoke(c *net.TCPConn, socks, pids *ebpf.Map) (sock, pid []byte, tid uint32, err error) {
	raw, err := c.SyscallConn()
	if err != nil {
		return nil, nil, 0, err
	}
	var key uint64
	var serr error
	if err := raw.Control(func(fd uintptr) {
		tid = uint32(unix.Gettid())
		key = uint64(os.Getpid())<<32 | uint64(tid)
		_, serr = unix.GetsockoptTCPInfo(int(fd), unix.IPPROTO_TCP, unix.TCP_INFO)
	}); err != nil {
		return nil, nil, 0, err
	}
	if serr != nil {
		return nil, nil, 0, fmt.Errorf("getsockopt: %w", serr)
	}

	var k [8]byte
	binary.LittleEndian.PutUint64(k[:], key)
	sock, err = socks.LookupBytes(k[:])
	if err == nil && sock == nil {
		err = fmt.Errorf("no socket snapshot for tid %d", tid)
	}
	err = multierr.Append(err, deleteKey(socks, k[:]))
	if pids != nil {
		pid, _ = pids.LookupBytes(k[:])
		_ = deleteKey(pids, k[:])
	}
	return sock, pid, tid, err
}

func deleteKey(m *ebpf.Map, key []byte) error {
	if err := m.Delete(key); err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
		return err
	}
	return nil
}

// selfNetns returns the inode of the network namespace of this process.
func selfNetns() (uint32, error) {
	fi, err := os.Stat("/proc/self/ns/net")
	if err != nil {
		return 0, fmt.Errorf("stat netns: %w", err)
	}
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, fmt.Errorf("netns inode unavailable")
	}
	return uint32(st.Ino), nil
}
