// SPDX-License-Identifier: Unlicense OR MIT

// Package dma drives the device's descriptor-ring DMA engine: ring
// setup, transfer submission, and completion delivery.
package dma

// hwDesc is the 16-byte hardware descriptor slot. Two variants share
// the layout; the type field in the top nibble of qw1 tags which one
// a slot holds.
type hwDesc struct {
	qw0 uint64
	qw1 uint64
}

const (
	descSize = 16

	descTypeNone     = 0
	descTypeTransfer = 1
	descTypeStatus   = 2

	descAddrMask  = 1<<48 - 1
	descUnitsMask = 1<<11 - 1

	descUnitsShift = 48
	descIntrShift  = 59
	descTypeShift  = 60
)

// Transfer is the decoded form of a copy descriptor. Addresses are
// device-visible; Units counts 64-byte device-native length units.
type Transfer struct {
	Src   uint64
	Dst   uint64
	Units uint32
}

// Status is the decoded form of a completion-signal descriptor. It
// either raises an interrupt or writes Tag to the device-visible
// address Notify.
type Status struct {
	Interrupt bool
	Notify    uint64
	Tag       uint64
}

func encodeTransfer(t Transfer) hwDesc {
	return hwDesc{
		qw0: t.Src&descAddrMask | uint64(t.Units&descUnitsMask)<<descUnitsShift,
		qw1: t.Dst&descAddrMask | descTypeTransfer<<descTypeShift,
	}
}

func encodeStatus(s Status) hwDesc {
	d := hwDesc{
		qw1: s.Notify&descAddrMask | descTypeStatus<<descTypeShift,
	}
	if s.Interrupt {
		d.qw1 |= 1 << descIntrShift
	} else {
		d.qw0 = s.Tag
	}
	return d
}

func (d hwDesc) descType() int {
	return int(d.qw1 >> descTypeShift & 0xf)
}

func decodeTransfer(d hwDesc) Transfer {
	return Transfer{
		Src:   d.qw0 & descAddrMask,
		Dst:   d.qw1 & descAddrMask,
		Units: uint32(d.qw0 >> descUnitsShift & descUnitsMask),
	}
}

func decodeStatus(d hwDesc) Status {
	return Status{
		Interrupt: d.qw1>>descIntrShift&1 != 0,
		Notify:    d.qw1 & descAddrMask,
		Tag:       d.qw0,
	}
}
