// Package pix builds static PIX "copia e cola" payloads (EMV BR Code).
package pix

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"gymtrack/internal/apperr"
)

const (
	gui            = "br.gov.bcb.pix"
	currencyBRL    = "986"
	maxNameLen     = 25
	maxCityLen     = 15
	maxTxIDLen     = 25
	maxKeyLen      = 77
	defaultTxID    = "***"
	crcFieldHeader = "6304"
)

// Payload describes one static charge.
type Payload struct {
	Key          string
	MerchantName string
	MerchantCity string
	Amount       float64
	TxID         string
}

// Encode renders the payload with its trailing CRC.
func (p Payload) Encode() (string, error) {
	key := strings.TrimSpace(p.Key)
	if key == "" {
		return "", apperr.Invalid("pix key is not configured")
	}
	if len(key) > maxKeyLen {
		return "", apperr.Invalid(fmt.Sprintf("pix key exceeds %d characters", maxKeyLen))
	}
	if p.Amount < 0 {
		return "", apperr.Invalid("pix amount must not be negative")
	}
	name := clean(p.MerchantName, maxNameLen)
	city := clean(p.MerchantCity, maxCityLen)
	if name == "" || city == "" {
		return "", apperr.Invalid("pix merchant name and city are required")
	}
	txid := txID(p.TxID)

	var b strings.Builder
	b.WriteString(field("00", "01"))
	b.WriteString(field("26", field("00", gui)+field("01", key)))
	b.WriteString(field("52", "0000"))
	b.WriteString(field("53", currencyBRL))
	if p.Amount > 0 {
		b.WriteString(field("54", strconv.FormatFloat(p.Amount, 'f', 2, 64)))
	}
	b.WriteString(field("58", "BR"))
	b.WriteString(field("59", name))
	b.WriteString(field("60", city))
	b.WriteString(field("62", field("05", txid)))
	b.WriteString(crcFieldHeader)

	body := b.String()
	return body + CRC16(body), nil
}

func field(id, value string) string {
	return fmt.Sprintf("%s%02d%s", id, len(value), value)
}

var stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// clean drops diacritics and non-ASCII runes and truncates to limit bytes.
func clean(s string, limit int) string {
	out, _, err := transform.String(stripMarks, strings.TrimSpace(s))
	if err != nil {
		out = s
	}
	out = strings.Map(func(r rune) rune {
		if r > unicode.MaxASCII || !unicode.IsPrint(r) {
			return -1
		}
		return unicode.ToUpper(r)
	}, out)
	if len(out) > limit {
		out = out[:limit]
	}
	return strings.TrimSpace(out)
}

// txID keeps short references readable. Longer ones are replaced by a
// digest of the whole reference so distinct payers never share a txid.
func txID(s string) string {
	id := strings.Map(func(r rune) rune {
		if r > unicode.MaxASCII || !(unicode.IsLetter(r) || unicode.IsDigit(r)) {
			return -1
		}
		return r
	}, s)
	if id == "" {
		return defaultTxID
	}
	if len(id) > maxTxIDLen {
		sum := sha256.Sum256([]byte(s))
		id = hex.EncodeToString(sum[:])[:maxTxIDLen]
	}
	return id
}

// CRC16 is CRC-16/CCITT-FALSE over data as four uppercase hex digits.
func CRC16(data string) string {
	crc := uint16(0xFFFF)
	for i := 0; i < len(data); i++ {
		crc ^= uint16(data[i]) << 8
		for bit := 0; bit < 8; bit++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return fmt.Sprintf("%04X", crc)
}
