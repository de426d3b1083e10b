// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package capture

import (
	"time"

	"github.com/Thermoquad/kmstat/pkg/km003c"
)

// Exchange is a request and the response carrying the same transaction id.
// Either side may be nil when the capture holds only one half.
type Exchange struct {
	Request  *Transfer
	Response *Transfer
}

// ID returns the transaction id shared by both halves
func (e Exchange) ID() (uint8, bool) {
	for _, t := range []*Transfer{e.Request, e.Response} {
		if t != nil && t.Header != nil {
			return t.Header.ID, true
		}
	}
	return 0, false
}

// Latency returns the time between request and response
func (e Exchange) Latency() (time.Duration, bool) {
	if e.Request == nil || e.Response == nil {
		return 0, false
	}
	return e.Response.Time.Sub(e.Request.Time), true
}

// RequestedAttributes returns the attribute mask of a GET_DATA request
func (e Exchange) RequestedAttributes() (km003c.AttributeSet, bool) {
	if e.Request == nil || e.Request.Header == nil || e.Request.Header.Command != km003c.CmdGetData {
		return 0, false
	}
	return e.Request.Header.Attributes, true
}

// Pair matches responses to requests by transaction id. Exchanges are
// ordered by their first transfer. A request whose id is reused before a
// response arrives stays unanswered.
func Pair(transfers []Transfer) []Exchange {
	exchanges := []Exchange{}
	pending := map[uint8]int{}

	for i := range transfers {
		t := &transfers[i]
		if t.Header == nil {
			continue
		}
		id := t.Header.ID

		if t.Direction == HostToDevice {
			pending[id] = len(exchanges)
			exchanges = append(exchanges, Exchange{Request: t})
			continue
		}

		if idx, ok := pending[id]; ok {
			exchanges[idx].Response = t
			delete(pending, id)
			continue
		}
		exchanges = append(exchanges, Exchange{Response: t})
	}
	return exchanges
}
