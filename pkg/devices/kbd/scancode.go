// Copyright 2018 The SkrtOS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package kbd

// Scan-code protocol constants.
const (
	// keyUp flags a key release event.
	keyUp = 0x80

	// Modifier make codes.
	lShift = 0x2a
	rShift = 0x36
	lMeta  = 0x38
	lCtl   = 0x1d
	capsL  = 0x3a

	// extEsc prefixes an extended scan sequence.
	extEsc = 0xe0

	// noChar is returned when a scan code produces no character.
	noChar = 256
)

// Modifier state flags.
const (
	flagCtl      = 0x01
	flagShift    = 0x02
	flagCapsLock = 0x04
	flagMeta     = 0x08
	flagExtended = 0x10
)

// keymapBase translates make codes with no modifier held.
var keymapBase = []byte{0,
	27, '1', '2', '3', '4', '5', '6', '7', '8', '9',
	'0', '-', '=', '\b', '\t', 'q', 'w', 'e', 'r', 't',
	'y', 'u', 'i', 'o', 'p', '[', ']', '\n', 0, 'a',
	's', 'd', 'f', 'g', 'h', 'j', 'k', 'l', ';', '\'',
	'`', 0, '\\', 'z', 'x', 'c', 'v', 'b', 'n', 'm',
	',', '.', '/', 0, 0, 0, ' '}

// keymapShift translates make codes with shift (or caps lock) in effect.
var keymapShift = []byte{0,
	0, '!', '@', '#', '$', '%', '^', '&', '*', '(',
	')', '_', '+', '\b', '\t', 'Q', 'W', 'E', 'R', 'T',
	'Y', 'U', 'I', 'O', 'P', '{', '}', '\n', 0, 'A',
	'S', 'D', 'F', 'G', 'H', 'J', 'K', 'L', ':', '"',
	'~', 0, '|', 'Z', 'X', 'C', 'V', 'B', 'N', 'M',
	'<', '>', '?', 0, 0, 0, ' '}

// keymapCtl translates make codes with control held.
var keymapCtl = []byte{0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	0, 31, 0, '\b', '\t', 17, 23, 5, 18, 20,
	25, 21, 9, 15, 16, 27, 29, '\n', 0, 1,
	19, 4, 6, 7, 8, 10, 11, 12, 0, 0,
	0, 0, 28, 26, 24, 3, 22, 2, 14, 13}

// scanState is the modifier state machine between scan codes and
// characters.
type scanState struct {
	flags int
}

// reset clears all modifier state.
func (s *scanState) reset() { s.flags = 0 }

// translate feeds one scan code through the state machine. It returns the
// produced character, or noChar when the code only moved modifier state or
// has no translation.
func (s *scanState) translate(code byte) uint16 {
	if s.flags&flagExtended != 0 {
		// Extended sequences carry no printable characters; swallow
		// the trailing byte.
		s.flags &^= flagExtended
		return noChar
	}

	if code&keyUp != 0 {
		switch code &^ keyUp {
		case lShift, rShift:
			s.flags &^= flagShift
		case lCtl:
			s.flags &^= flagCtl
		case lMeta:
			s.flags &^= flagMeta
		}
		return noChar
	}

	switch code {
	case lShift, rShift:
		s.flags |= flagShift
		return noChar
	case capsL:
		s.flags ^= flagCapsLock
		return noChar
	case lCtl:
		s.flags |= flagCtl
		return noChar
	case lMeta:
		s.flags |= flagMeta
		return noChar
	case extEsc:
		s.flags |= flagExtended
		return noChar
	}

	ch := uint16(noChar)
	if int(code) < len(keymapBase) {
		if s.flags&flagCapsLock != 0 {
			ch = uint16(keymapShift[code])
		} else {
			ch = uint16(keymapBase[code])
		}
	}
	if s.flags&flagShift != 0 {
		if int(code) >= len(keymapShift) {
			return noChar
		}
		if s.flags&flagCapsLock != 0 {
			ch = uint16(keymapBase[code])
		} else {
			ch = uint16(keymapShift[code])
		}
	}
	if s.flags&flagCtl != 0 {
		if int(code) >= len(keymapCtl) {
			return noChar
		}
		ch = uint16(keymapCtl[code])
	}
	if s.flags&flagMeta != 0 {
		ch += 0x80
	}
	if ch == 0 {
		return noChar
	}
	return ch
}

// EncodeByte synthesizes the make/break scan sequence that produces b,
// wrapping with shift or control where needed. The host console uses it to
// feed terminal input through the real translation path. The second return
// is false for bytes the keymap cannot produce.
func EncodeByte(b byte) ([]byte, bool) {
	press := func(mod byte, code byte) []byte {
		if mod == 0 {
			return []byte{code, code | keyUp}
		}
		return []byte{mod, code, code | keyUp, mod | keyUp}
	}
	for code, ch := range keymapBase {
		if ch != 0 && ch == b {
			return press(0, byte(code)), true
		}
	}
	for code, ch := range keymapShift {
		if ch != 0 && ch == b {
			return press(lShift, byte(code)), true
		}
	}
	for code, ch := range keymapCtl {
		if ch != 0 && ch == b {
			return press(lCtl, byte(code)), true
		}
	}
	return nil, false
}
