package fieldbus

import "fmt"

// Diagnostics is the last known AL state and status code of one unit.
type Diagnostics struct {
	Unit       int    `json:"unit"`
	State      State  `json:"state"`
	StatusCode uint16 `json:"status_code"`
	StatusText string `json:"status_text"`
}

func (d Diagnostics) String() string {
	return fmt.Sprintf("unit %d state=0x%02X (%s) status=0x%04X: %s",
		d.Unit, uint16(d.State), d.State, d.StatusCode, d.StatusText)
}

// AL status codes (ETG.1000.6, register 0x0134), common subset.
var alStatusText = map[uint16]string{
	0x0000: "No error",
	0x0001: "Unspecified error",
	0x0002: "No memory",
	0x0011: "Invalid requested state change",
	0x0012: "Unknown requested state",
	0x0013: "Bootstrap not supported",
	0x0014: "No valid firmware",
	0x0015: "Invalid mailbox configuration",
	0x0016: "Invalid mailbox configuration",
	0x0017: "Invalid sync manager configuration",
	0x0018: "No valid inputs available",
	0x0019: "No valid outputs",
	0x001A: "Synchronization error",
	0x001B: "Sync manager watchdog",
	0x001C: "Invalid sync Manager types",
	0x001D: "Invalid output configuration",
	0x001E: "Invalid input configuration",
	0x001F: "Invalid watchdog configuration",
	0x0020: "Slave needs cold start",
	0x0021: "Slave needs INIT",
	0x0022: "Slave needs PREOP",
	0x0023: "Slave needs SAFEOP",
	0x0024: "Invalid input mapping",
	0x0025: "Invalid output mapping",
	0x0026: "Inconsistent settings",
	0x0027: "Freerun not supported",
	0x0028: "Synchronisation not supported",
	0x0029: "Freerun needs 3buffer mode",
	0x002A: "Background watchdog",
	0x002B: "No valid Inputs and Outputs",
	0x002C: "Fatal sync error",
	0x002D: "No sync error",
	0x0030: "Invalid DC SYNC configuration",
	0x0031: "Invalid DC latch configuration",
	0x0032: "PLL error",
	0x0033: "DC sync IO error",
	0x0034: "DC sync timeout error",
	0x0035: "DC invalid sync cycle time",
	0x0036: "DC invalid sync0 cycle time",
	0x0037: "DC invalid sync1 cycle time",
	0x0042: "MBX_EOE",
	0x0043: "MBX_COE",
	0x0044: "MBX_FOE",
	0x0045: "MBX_SOE",
	0x004F: "MBX_VOE",
	0x0050: "EEPROM no access",
	0x0051: "EEPROM error",
	0x0060: "Slave restarted locally",
	0x0061: "Device identification value updated",
	0x00F0: "Application controller available",
}

// StatusCodeText describes an AL status code.
func StatusCodeText(code uint16) string {
	if text, ok := alStatusText[code]; ok {
		return text
	}
	return "Unknown"
}
