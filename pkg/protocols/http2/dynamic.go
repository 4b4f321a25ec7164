// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package http2

import (
	"github.com/mbeema/usm/pkg/conntuple"
	"github.com/mbeema/usm/pkg/protocols"
	"github.com/mbeema/usm/pkg/telemetry"
)

// Map names used in telemetry.
const (
	DynamicTableMap   = "http2_dynamic_table"
	DynamicCounterMap = "http2_dynamic_counter"
)

// DynamicTable is the HPACK dynamic table of every connection direction,
// bounded globally by LRU and per direction by the insertion window.
type DynamicTable struct {
	entries  *protocols.InFlight[DynamicKey, DynamicEntry]
	counters *protocols.InFlight[counterKey, DynamicCounter]

	perConn   uint64
	threshold uint64
	tel       *Telemetry
}

func newDynamicTable(cfg Config, reg *telemetry.Registry, tel *Telemetry) *DynamicTable {
	return &DynamicTable{
		entries:   protocols.NewInFlight[DynamicKey, DynamicEntry](DynamicTableMap, cfg.DynamicTableGlobal, reg),
		counters:  protocols.NewInFlight[counterKey, DynamicCounter](DynamicCounterMap, cfg.MaxInFlight, reg),
		perConn:   cfg.DynamicTablePerConn,
		threshold: cfg.CleanupThreshold,
		tel:       tel,
	}
}

// Counter returns the insertion counter of one direction.
func (d *DynamicTable) Counter(tup conntuple.ConnTuple, flipped bool) DynamicCounter {
	c, _ := d.counters.Peek(counterKey{tup, flipped})
	return c
}

// Len returns the number of stored entries across all connections.
func (d *DynamicTable) Len() int { return d.entries.Len() }

// Insert records a literal-with-indexing. The counter always advances so
// later indices resolve; the bytes are kept only for headers of interest.
func (d *DynamicTable) Insert(tup conntuple.ConnTuple, flipped bool, kind headerKind, orig uint8, raw []byte, huffman bool) {
	ck := counterKey{tup, flipped}
	c, _ := d.counters.Get(ck)
	if kind != headerOther {
		e := DynamicEntry{OriginalIndex: orig, IsHuffman: huffman}
		e.StringLen = uint8(copy(e.Buffer[:], raw))
		d.entries.Put(DynamicKey{Tup: tup, Flipped: flipped, Index: c.Value}, e)
	}
	c.Value++
	d.counters.Put(ck, c)
	d.tel.DynamicTableInserts.Inc()
}

// Lookup resolves an HPACK index above the static table.
func (d *DynamicTable) Lookup(tup conntuple.ConnTuple, flipped bool, idx uint64) (DynamicEntry, bool) {
	c, ok := d.counters.Get(counterKey{tup, flipped})
	rel := idx - MaxStaticTableIndex
	if !ok || idx <= MaxStaticTableIndex || rel > c.Value || rel > d.perConn {
		d.tel.DynamicTableMisses.Inc()
		return DynamicEntry{}, false
	}
	abs := c.Value - rel
	if abs < c.PreviousCleanup {
		d.tel.DynamicTableMisses.Inc()
		return DynamicEntry{}, false
	}
	e, ok := d.entries.Get(DynamicKey{Tup: tup, Flipped: flipped, Index: abs})
	if !ok {
		d.tel.DynamicTableMisses.Inc()
	}
	return e, ok
}

// NeedsCleanup reports whether the counter ran more than the threshold
// past the previous cleanup mark.
func (d *DynamicTable) NeedsCleanup(tup conntuple.ConnTuple, flipped bool) bool {
	c, ok := d.counters.Peek(counterKey{tup, flipped})
	return ok && c.Value > c.PreviousCleanup+d.threshold
}

// Clean deletes up to iterations*batch entries below counter-threshold and
// reports whether that mark was reached.
func (d *DynamicTable) Clean(tup conntuple.ConnTuple, flipped bool, iterations, batch int) bool {
	ck := counterKey{tup, flipped}
	c, ok := d.counters.Peek(ck)
	if !ok || c.Value <= c.PreviousCleanup+d.threshold {
		return true
	}
	target := c.Value - d.threshold
	for it := 0; it < iterations && c.PreviousCleanup < target; it++ {
		for k := 0; k < batch && c.PreviousCleanup < target; k++ {
			d.entries.Delete(DynamicKey{Tup: tup, Flipped: flipped, Index: c.PreviousCleanup})
			c.PreviousCleanup++
		}
	}
	d.counters.Put(ck, c)
	d.tel.DynamicTableCleanups.Inc()
	return c.PreviousCleanup >= target
}

// Forget drops the table and counter of both directions of tup.
func (d *DynamicTable) Forget(tup conntuple.ConnTuple) {
	for _, flipped := range []bool{false, true} {
		ck := counterKey{tup, flipped}
		c, ok := d.counters.Peek(ck)
		if !ok {
			continue
		}
		from := c.PreviousCleanup
		if c.Value > d.perConn && from < c.Value-d.perConn {
			from = c.Value - d.perConn
		}
		for i := from; i < c.Value; i++ {
			d.entries.Delete(DynamicKey{Tup: tup, Flipped: flipped, Index: i})
		}
		d.counters.Delete(ck)
	}
}
