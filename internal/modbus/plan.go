package modbus

import (
	"sort"

	"edge-gateway/internal/catalog"
)

// The plan builder turns a device's register catalog into the minimum set of
// contiguous, bounded read ranges per slave. It is pure; no I/O happens here.

// PlanItem is one register placed at its protocol address.
type PlanItem struct {
	Register catalog.Register
	Start    uint16
}

// ReadRange is one wire read covering Items.
type ReadRange struct {
	Start uint16
	Count uint16
	Items []PlanItem
}

// SlavePlan holds the ordered ranges for one unit id.
type SlavePlan struct {
	UnitID uint8
	Ranges []ReadRange
}

// detectStyle resolves the address interpretation for one device. An explicit
// AddressStyle wins; otherwise any register at or above 40001 makes the whole
// device 40001-based. Fixed for the lifetime of one poll.
func detectStyle(dev catalog.Device) catalog.AddressStyle {
	switch dev.AddressStyle {
	case catalog.Style40001, catalog.StyleZero:
		return dev.AddressStyle
	}
	for _, s := range dev.Slaves {
		for _, r := range s.Registers {
			if r.Address >= 40001 {
				return catalog.Style40001
			}
		}
	}
	return catalog.StyleZero
}

// protocolAddress maps a catalog address to the wire address. In 40001 style,
// 4xxxx addresses shift down by 40001. In zero style, addresses inside
// (0, 40001) are 1-based and shift down by one; values at or below zero and at
// or above 40001 pass through unchanged.
func protocolAddress(addr int, style catalog.AddressStyle) int {
	if style == catalog.Style40001 {
		if addr >= 40001 {
			return addr - 40001
		}
		return addr
	}
	if addr > 0 && addr < 40001 {
		return addr - 1
	}
	return addr
}

// BuildPlan produces one SlavePlan per slave, ranges sorted and coalesced.
// Registers that land outside the 16-bit address space are dropped.
func BuildPlan(dev catalog.Device) []SlavePlan {
	style := detectStyle(dev)

	plans := make([]SlavePlan, 0, len(dev.Slaves))
	for _, slave := range dev.Slaves {
		items := make([]PlanItem, 0, len(slave.Registers))
		for _, reg := range slave.Registers {
			if reg.Length < 1 {
				continue
			}
			addr := protocolAddress(reg.Address, style)
			if addr < 0 || addr+int(reg.Length)-1 > 0xFFFF {
				continue
			}
			items = append(items, PlanItem{Register: reg, Start: uint16(addr)})
		}
		if len(items) == 0 {
			continue
		}
		sort.Slice(items, func(i, j int) bool {
			if items[i].Start != items[j].Start {
				return items[i].Start < items[j].Start
			}
			return items[i].Register.Length < items[j].Register.Length
		})

		plans = append(plans, SlavePlan{
			UnitID: slave.SlaveIndex,
			Ranges: coalesce(items),
		})
	}
	return plans
}

// coalesce merges sorted items into contiguous-or-adjacent ranges, never
// letting a range exceed the 125-register read limit.
func coalesce(items []PlanItem) []ReadRange {
	var ranges []ReadRange
	var cur *ReadRange
	var end int // inclusive last address of the current range

	for _, it := range items {
		itemEnd := int(it.Start) + int(it.Register.Length) - 1
		if cur != nil && int(it.Start) <= end+1 {
			newEnd := end
			if itemEnd > newEnd {
				newEnd = itemEnd
			}
			if newEnd-int(cur.Start)+1 <= MaxQuantity {
				cur.Items = append(cur.Items, it)
				end = newEnd
				continue
			}
		}
		ranges = append(ranges, ReadRange{})
		cur = &ranges[len(ranges)-1]
		cur.Start = it.Start
		cur.Items = []PlanItem{it}
		end = itemEnd
	}

	for i := range ranges {
		count := rangeEnd(ranges[i]) - int(ranges[i].Start) + 1
		if count > MaxQuantity {
			count = MaxQuantity
		}
		ranges[i].Count = uint16(count)
	}
	return ranges
}

func rangeEnd(r ReadRange) int {
	last := int(r.Start)
	for _, it := range r.Items {
		e := int(it.Start) + int(it.Register.Length) - 1
		if e > last {
			last = e
		}
	}
	return last
}
