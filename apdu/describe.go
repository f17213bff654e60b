package apdu

import (
	"fmt"
	"strings"

	"github.com/moov-io/bertlv"
)

// Known FCI tags, shown next to the raw tag in descriptions.
var tagNames = map[string]string{
	"6F":   "FCI Template",
	"84":   "DF Name",
	"A5":   "FCI Proprietary Template",
	"50":   "Application Label",
	"87":   "Application Priority Indicator",
	"88":   "SFI",
	"5F2D": "Language Preference",
	"BF0C": "FCI Issuer Discretionary Data",
	"62":   "FCP Template",
	"80":   "File Size",
	"82":   "File Descriptor",
	"83":   "File Identifier",
}

// DescribeData renders response data as an indented BER-TLV tree. Data that
// does not decode as TLV is returned as a single hex line.
func DescribeData(data []byte) []string {
	if len(data) == 0 {
		return nil
	}

	packets, err := bertlv.Decode(data)
	if err != nil || len(packets) == 0 {
		return []string{"raw: " + Hex(data)}
	}

	var lines []string
	describePackets(packets, 0, &lines)
	return lines
}

func describePackets(packets []bertlv.TLV, depth int, lines *[]string) {
	indent := strings.Repeat("  ", depth)
	for _, p := range packets {
		tag := strings.ToUpper(p.Tag)
		label := tag
		if name, ok := tagNames[tag]; ok {
			label = fmt.Sprintf("%s (%s)", tag, name)
		}

		if len(p.TLVs) > 0 {
			*lines = append(*lines, indent+label)
			describePackets(p.TLVs, depth+1, lines)
			continue
		}
		*lines = append(*lines, fmt.Sprintf("%s%s: %s", indent, label, Hex(p.Value)))
	}
}
