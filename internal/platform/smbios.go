package platform

import (
	"regexp"
	"strings"

	"github.com/earentir/gosmbios"
)

// typeSystemInformation, typeBaseboard and typeBios are the SMBIOS
// structure types carrying the fields GosSmBios reads, per the DSP0134
// layouts the other_examples Type 32 parser (gosmbios) follows.
const (
	typeBios              uint8 = 0
	typeSystemInformation uint8 = 1
	typeBaseboard         uint8 = 2
)

// GosSmBios implements SmBios over github.com/earentir/gosmbios,
// grounded on the pack's Type 32 BootInfo parsing pattern.
type GosSmBios struct {
	sm *gosmbios.SMBIOS
}

func NewGosSmBios() (*GosSmBios, error) {
	sm, err := gosmbios.New()
	if err != nil {
		return nil, err
	}
	return &GosSmBios{sm: sm}, nil
}

func stringField(sm *gosmbios.SMBIOS, structType uint8, index int) string {
	s := sm.GetStructure(structType)
	if s == nil {
		return ""
	}
	return s.GetString(index)
}

func (g *GosSmBios) SystemSerial() string {
	return stringField(g.sm, typeSystemInformation, 0x07)
}

func (g *GosSmBios) BoardSerial() string {
	return stringField(g.sm, typeBaseboard, 0x07)
}

func (g *GosSmBios) ProductName() string {
	return stringField(g.sm, typeSystemInformation, 0x05)
}

func (g *GosSmBios) BiosVersion() string {
	return stringField(g.sm, typeBios, 0x05)
}

// serialRegex and the placeholder table implement the sanitisation
// rules of spec.md section 4.5.
var serialRegex = regexp.MustCompile(`[a-zA-Z0-9,._-]+`)

var placeholderSerials = map[string]bool{
	"system serial number":   true,
	"to be filled by o.e.m.": true,
	"11111111":               true,
	"22222222":               true,
	"00000000":               true,
	"0000000000000000":       true,
}

const sanitisedSentinel = "00badbios00badbios00"
const (
	minSerialLen = 6
	maxSerialLen = 20
)

// SanitiseSerial implements the serial/device-id sanitisation pass of
// spec.md section 4.5: lower-case, trim `_`/`.` trailers, replace
// conspicuous placeholders, and clamp length to [6,20].
func SanitiseSerial(raw string) string {
	lower := strings.ToLower(strings.TrimSpace(raw))
	if placeholderSerials[lower] {
		return sanitisedSentinel
	}

	matches := serialRegex.FindAllString(lower, -1)
	joined := strings.Join(matches, "")
	joined = strings.TrimRight(joined, "_.")

	if len(joined) < minSerialLen {
		return sanitisedSentinel
	}
	if len(joined) > maxSerialLen {
		joined = joined[:maxSerialLen]
	}
	return joined
}
