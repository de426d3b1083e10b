// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package km003c

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// PdHeader is the 16-bit USB Power Delivery message header
type PdHeader uint16

// MessageType returns the 5-bit message type
func (h PdHeader) MessageType() uint8 { return uint8(h & 0x1F) }

// DataRole returns the port data role bit (1 = DFP)
func (h PdHeader) DataRole() uint8 { return uint8(h>>5) & 0x01 }

// SpecRevision returns the 2-bit specification revision field
func (h PdHeader) SpecRevision() uint8 { return uint8(h>>6) & 0x03 }

// PowerRole returns the port power role bit (1 = source)
func (h PdHeader) PowerRole() uint8 { return uint8(h>>8) & 0x01 }

// MessageID returns the 3-bit rolling message id
func (h PdHeader) MessageID() uint8 { return uint8(h>>9) & 0x07 }

// NumDataObjects returns the number of 32-bit data objects
func (h PdHeader) NumDataObjects() int { return int(h>>12) & 0x07 }

// Extended reports whether the message uses an extended header
func (h PdHeader) Extended() bool { return h&0x8000 != 0 }

// IsControl reports whether the message carries no data objects
func (h PdHeader) IsControl() bool { return h.NumDataObjects() == 0 && !h.Extended() }

// Data message types
const (
	PdDataSourceCapabilities = 0x01
	PdDataRequest            = 0x02
	PdDataBIST               = 0x03
	PdDataSinkCapabilities   = 0x04
	PdDataBatteryStatus      = 0x05
	PdDataAlert              = 0x06
	PdDataGetCountryInfo     = 0x07
	PdDataEnterUSB           = 0x08
	PdDataEPRRequest         = 0x09
	PdDataEPRMode            = 0x0A
	PdDataSourceInfo         = 0x0B
	PdDataRevision           = 0x0C
	PdDataVendorDefined      = 0x0F
)

var pdControlNames = map[uint8]string{
	0x01: "GoodCRC",
	0x02: "GotoMin",
	0x03: "Accept",
	0x04: "Reject",
	0x05: "Ping",
	0x06: "PS_RDY",
	0x07: "Get_Source_Cap",
	0x08: "Get_Sink_Cap",
	0x09: "DR_Swap",
	0x0A: "PR_Swap",
	0x0B: "VCONN_Swap",
	0x0C: "Wait",
	0x0D: "Soft_Reset",
	0x0E: "Data_Reset",
	0x0F: "Data_Reset_Complete",
	0x10: "Not_Supported",
	0x11: "Get_Source_Cap_Extended",
	0x12: "Get_Status",
	0x13: "FR_Swap",
	0x14: "Get_PPS_Status",
	0x15: "Get_Country_Codes",
	0x16: "Get_Sink_Cap_Extended",
	0x17: "Get_Source_Info",
	0x18: "Get_Revision",
}

var pdDataNames = map[uint8]string{
	PdDataSourceCapabilities: "Source_Capabilities",
	PdDataRequest:            "Request",
	PdDataBIST:               "BIST",
	PdDataSinkCapabilities:   "Sink_Capabilities",
	PdDataBatteryStatus:      "Battery_Status",
	PdDataAlert:              "Alert",
	PdDataGetCountryInfo:     "Get_Country_Info",
	PdDataEnterUSB:           "Enter_USB",
	PdDataEPRRequest:         "EPR_Request",
	PdDataEPRMode:            "EPR_Mode",
	PdDataSourceInfo:         "Source_Info",
	PdDataRevision:           "Revision",
	PdDataVendorDefined:      "Vendor_Defined",
}

// PdMessage is a decoded USB PD message
type PdMessage struct {
	Header  PdHeader
	Objects []uint32
	// Extended messages keep their payload undecoded
	ExtendedPayload []byte
}

// ParsePdMessage decodes the wire data of a PD message event
func ParsePdMessage(wire []byte) (*PdMessage, error) {
	if len(wire) < 2 {
		return nil, fmt.Errorf("PD message is %d bytes: %w", len(wire), ErrTruncatedPayload)
	}
	h := PdHeader(binary.LittleEndian.Uint16(wire[0:2]))
	msg := &PdMessage{Header: h}

	if h.Extended() {
		msg.ExtendedPayload = append([]byte(nil), wire[2:]...)
		return msg, nil
	}

	n := h.NumDataObjects()
	if len(wire) < 2+4*n {
		return nil, fmt.Errorf("PD message declares %d objects in %d bytes: %w", n, len(wire), ErrTruncatedPayload)
	}
	for i := 0; i < n; i++ {
		msg.Objects = append(msg.Objects, binary.LittleEndian.Uint32(wire[2+4*i:]))
	}
	return msg, nil
}

// Name returns the message type name
func (m *PdMessage) Name() string {
	t := m.Header.MessageType()
	names := pdDataNames
	if m.Header.IsControl() {
		names = pdControlNames
	}
	if m.Header.Extended() {
		return fmt.Sprintf("Extended(0x%02X)", t)
	}
	if name, ok := names[t]; ok {
		return name
	}
	return fmt.Sprintf("Reserved(0x%02X)", t)
}

// IsSourceCapabilities reports whether the message lists source PDOs
func (m *PdMessage) IsSourceCapabilities() bool {
	return !m.Header.IsControl() && !m.Header.Extended() && m.Header.MessageType() == PdDataSourceCapabilities
}

// PDOs decodes the data objects as power data objects
func (m *PdMessage) PDOs() []PDO {
	pdos := make([]PDO, 0, len(m.Objects))
	for _, raw := range m.Objects {
		pdos = append(pdos, PDO(raw))
	}
	return pdos
}

// String formats the message, expanding source capabilities
func (m *PdMessage) String() string {
	if m.IsSourceCapabilities() {
		return "Source Capabilities:\n" + FormatSourceCapabilities(m.PDOs())
	}
	if m.Header.Extended() {
		return fmt.Sprintf("%s id=%d (%d bytes)", m.Name(), m.Header.MessageID(), len(m.ExtendedPayload))
	}
	if len(m.Objects) == 0 {
		return fmt.Sprintf("%s id=%d", m.Name(), m.Header.MessageID())
	}
	objs := make([]string, len(m.Objects))
	for i, o := range m.Objects {
		objs[i] = fmt.Sprintf("0x%08X", o)
	}
	return fmt.Sprintf("%s id=%d [%s]", m.Name(), m.Header.MessageID(), strings.Join(objs, " "))
}

// PDOKind is the supply type of a power data object
type PDOKind int

const (
	PDOFixed PDOKind = iota
	PDOBattery
	PDOVariable
	PDOPPS
	PDOAVS
	PDOUnknownAugmented
)

// PDO is a raw 32-bit power data object
type PDO uint32

// Kind returns the supply type
func (p PDO) Kind() PDOKind {
	switch p >> 30 {
	case 0:
		return PDOFixed
	case 1:
		return PDOBattery
	case 2:
		return PDOVariable
	}
	switch (p >> 28) & 0x03 {
	case 0:
		return PDOPPS
	case 1:
		return PDOAVS
	}
	return PDOUnknownAugmented
}

// Fixed supply fields, 50 mV and 10 mA units
func (p PDO) fixedVoltage() float64 { return float64((p>>10)&0x3FF) * 0.05 }
func (p PDO) fixedCurrent() float64 { return float64(p&0x3FF) * 0.01 }

// Variable and battery fields, 50 mV units
func (p PDO) maxVoltage50() float64 { return float64((p>>20)&0x3FF) * 0.05 }
func (p PDO) minVoltage50() float64 { return float64((p>>10)&0x3FF) * 0.05 }

// DualRolePower reports the DRP flag of a fixed PDO
func (p PDO) DualRolePower() bool { return p.Kind() == PDOFixed && p&(1<<29) != 0 }

// USBSuspend reports the USB suspend flag of a fixed PDO
func (p PDO) USBSuspend() bool { return p.Kind() == PDOFixed && p&(1<<28) != 0 }

// Unconstrained reports the unconstrained power flag of a fixed PDO
func (p PDO) Unconstrained() bool { return p.Kind() == PDOFixed && p&(1<<27) != 0 }

// USBComm reports the USB communications flag of a fixed PDO
func (p PDO) USBComm() bool { return p.Kind() == PDOFixed && p&(1<<26) != 0 }

// EPRCapable reports the EPR mode flag of a fixed PDO
func (p PDO) EPRCapable() bool { return p.Kind() == PDOFixed && p&(1<<23) != 0 }

// String describes the PDO in volts, amps and watts
func (p PDO) String() string {
	switch p.Kind() {
	case PDOFixed:
		return fmt.Sprintf("Fixed:       %.2f V @ %.2f A", p.fixedVoltage(), p.fixedCurrent())
	case PDOVariable:
		return fmt.Sprintf("Variable:    %.2f - %.2f V @ %.2f A", p.minVoltage50(), p.maxVoltage50(), p.fixedCurrent())
	case PDOBattery:
		return fmt.Sprintf("Battery:     %.2f - %.2f V @ %.2f W", p.minVoltage50(), p.maxVoltage50(), float64(p&0x3FF)*0.25)
	case PDOPPS:
		maxV := float64((p>>17)&0xFF) * 0.1
		minV := float64((p>>8)&0xFF) * 0.1
		current := float64(p&0x7F) * 0.05
		s := fmt.Sprintf("PPS:         %.2f - %.2f V @ %.2f A", minV, maxV, current)
		if p&(1<<27) != 0 {
			s += " (Power Limited)"
		}
		return s
	case PDOAVS:
		maxV := float64((p>>17)&0x1FF) * 0.1
		minV := float64((p>>8)&0xFF) * 0.1
		return fmt.Sprintf("AVS (EPR):   %.2f - %.2f V up to %.2f W", minV, maxV, float64(p&0xFF))
	}
	return fmt.Sprintf("Unknown Augmented PDO (raw: 0x%08x)", uint32(p))
}

// FormatSourceCapabilities lists PDOs, one per line, with the flags carried
// by the first (vSafe5V) PDO
func FormatSourceCapabilities(pdos []PDO) string {
	var s strings.Builder
	if len(pdos) > 0 {
		first := pdos[0]
		fmt.Fprintf(&s, "  Flags: DRP: %t, Unconstrained: %t, USB Comm: %t, USB Suspend: %t, EPR Capable: %t\n",
			first.DualRolePower(), first.Unconstrained(), first.USBComm(), first.USBSuspend(), first.EPRCapable())
	}
	for i, pdo := range pdos {
		fmt.Fprintf(&s, "  [%d] %s\n", i+1, pdo)
	}
	return s.String()
}
