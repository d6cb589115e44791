package common

import (
	"errors"
	"strconv"
)

// ErrDictionaryFull is returned when an Add would exceed the dictionary's
// fixed capacity.
var ErrDictionaryFull = errors.New("dictionary full")

// Dictionary is a small packed key=value store serialised as a
// null-terminated escaped ASCII blob. It is backward and forward
// compatible: readers skip keys they do not know and values may contain
// arbitrary binary data thanks to escaping. Lookup is a linear scan, so
// it is only suitable for small things: network configurations and the
// handful of records persisted through the data store.
//
// Keys are restricted to printable characters excluding '=', CR and LF.
// This is not checked on Add; a key containing them will not be
// retrievable.
type Dictionary struct {
	d   []byte
	cap int
}

// NewDictionary creates an empty dictionary with the given capacity in
// bytes (including the terminating NUL of the serialised form).
func NewDictionary(capacity int) *Dictionary {
	return &Dictionary{d: make([]byte, 0, capacity), cap: capacity}
}

// NewDictionaryFrom loads a serialised dictionary. Data past the first
// NUL byte is ignored.
func NewDictionaryFrom(b []byte, capacity int) (*Dictionary, error) {
	for i, c := range b {
		if c == 0 {
			b = b[:i]
			break
		}
	}
	if len(b) > capacity-1 {
		return nil, ErrDictionaryFull
	}
	d := NewDictionary(capacity)
	d.d = append(d.d, b...)
	return d, nil
}

// Bytes returns the serialised blob without the terminating NUL.
func (d *Dictionary) Bytes() []byte { return d.d }

// Len returns the serialised size in bytes, not counting the NUL.
func (d *Dictionary) Len() int { return len(d.d) }

// Clear deletes all entries.
func (d *Dictionary) Clear() { d.d = d.d[:0] }

// Get returns the raw unescaped value for key. The second return is false
// if the key is not present. An empty value and a missing key are
// distinct.
func (d *Dictionary) Get(key string) ([]byte, bool) {
	for p := 0; p < len(d.d); {
		kstart := p
		for p < len(d.d) && d.d[p] != '=' && d.d[p] != '\r' && d.d[p] != '\n' {
			p++
		}
		match := string(d.d[kstart:p]) == key
		var val []byte
		if p < len(d.d) && d.d[p] == '=' {
			p++
			for p < len(d.d) && d.d[p] != '\r' && d.d[p] != '\n' {
				c := d.d[p]
				if c == '\\' {
					p++
					if p >= len(d.d) {
						break
					}
					switch d.d[p] {
					case 'r':
						c = '\r'
					case 'n':
						c = '\n'
					case '0':
						c = 0
					case 'e':
						c = '='
					default:
						c = d.d[p]
					}
				}
				if match {
					val = append(val, c)
				}
				p++
			}
		}
		for p < len(d.d) && (d.d[p] == '\r' || d.d[p] == '\n') {
			p++
		}
		if match {
			if val == nil {
				val = []byte{}
			}
			return val, true
		}
	}
	return nil, false
}

// GetString returns the value for key as a string.
func (d *Dictionary) GetString(key string) (string, bool) {
	v, ok := d.Get(key)
	return string(v), ok
}

// GetUint64 returns the value for key parsed as a hexadecimal integer,
// or dfl if the key is absent or unparseable.
func (d *Dictionary) GetUint64(key string, dfl uint64) uint64 {
	v, ok := d.Get(key)
	if !ok {
		return dfl
	}
	n, err := strconv.ParseUint(string(v), 16, 64)
	if err != nil {
		return dfl
	}
	return n
}

// GetBool returns the value for key interpreted as a boolean ("1", "t",
// "T", "y", "Y" are true), or dfl if absent.
func (d *Dictionary) GetBool(key string, dfl bool) bool {
	v, ok := d.Get(key)
	if !ok || len(v) == 0 {
		return dfl
	}
	switch v[0] {
	case '1', 't', 'T', 'y', 'Y':
		return true
	}
	return false
}

// Add appends a key and raw value, escaping the value. Duplicate keys are
// not deduplicated; Get returns the first. Returns ErrDictionaryFull and
// leaves the dictionary unchanged if the entry does not fit.
func (d *Dictionary) Add(key string, value []byte) error {
	e := make([]byte, 0, len(key)+1+(2*len(value))+1)
	if len(d.d) > 0 {
		e = append(e, '\n')
	}
	e = append(e, key...)
	e = append(e, '=')
	for _, c := range value {
		switch c {
		case 0:
			e = append(e, '\\', '0')
		case '\r':
			e = append(e, '\\', 'r')
		case '\n':
			e = append(e, '\\', 'n')
		case '\\':
			e = append(e, '\\', '\\')
		case '=':
			e = append(e, '\\', 'e')
		default:
			e = append(e, c)
		}
	}
	if len(d.d)+len(e) > d.cap-1 {
		return ErrDictionaryFull
	}
	d.d = append(d.d, e...)
	return nil
}

// AddString appends a string value.
func (d *Dictionary) AddString(key, value string) error {
	return d.Add(key, []byte(value))
}

// AddUint64 appends an integer value in hexadecimal.
func (d *Dictionary) AddUint64(key string, value uint64) error {
	return d.AddString(key, strconv.FormatUint(value, 16))
}

// AddBool appends "1" or "0".
func (d *Dictionary) AddBool(key string, value bool) error {
	if value {
		return d.AddString(key, "1")
	}
	return d.AddString(key, "0")
}

// Erase removes every entry for key by rewriting the blob.
func (d *Dictionary) Erase(key string) {
	out := NewDictionary(d.cap)
	d.Each(func(k string, v []byte) bool {
		if k != key {
			out.Add(k, v) //nolint:errcheck // rewrite of existing contents can not overflow
		}
		return true
	})
	d.d = d.d[:0]
	d.d = append(d.d, out.d...)
}

// Each calls f for every entry in blob order until f returns false.
func (d *Dictionary) Each(f func(key string, value []byte) bool) {
	for p := 0; p < len(d.d); {
		kstart := p
		for p < len(d.d) && d.d[p] != '=' && d.d[p] != '\r' && d.d[p] != '\n' {
			p++
		}
		key := string(d.d[kstart:p])
		val := []byte{}
		if p < len(d.d) && d.d[p] == '=' {
			p++
			for p < len(d.d) && d.d[p] != '\r' && d.d[p] != '\n' {
				c := d.d[p]
				if c == '\\' {
					p++
					if p >= len(d.d) {
						break
					}
					switch d.d[p] {
					case 'r':
						c = '\r'
					case 'n':
						c = '\n'
					case '0':
						c = 0
					case 'e':
						c = '='
					default:
						c = d.d[p]
					}
				}
				val = append(val, c)
				p++
			}
		}
		for p < len(d.d) && (d.d[p] == '\r' || d.d[p] == '\n') {
			p++
		}
		if len(key) > 0 {
			if !f(key, val) {
				return
			}
		}
	}
}
