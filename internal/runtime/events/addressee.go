package events

import (
	"fmt"
	"strconv"
)

// AddresseeType is the addressee of an accounting record.
type AddresseeType int

const (
	AddresseeTo AddresseeType = iota
	AddresseeCC
	AddresseeBCC
)

// AddresseeTypeFromInt rejects ordinals outside the enumeration.
func AddresseeTypeFromInt(v int) (AddresseeType, error) {
	switch AddresseeType(v) {
	case AddresseeTo, AddresseeCC, AddresseeBCC:
		return AddresseeType(v), nil
	}
	return 0, fmt.Errorf("invalid addressee type %d", v)
}

func (a AddresseeType) String() string {
	switch a {
	case AddresseeTo:
		return "TO"
	case AddresseeCC:
		return "CC"
	case AddresseeBCC:
		return "BCC"
	}
	return "AddresseeType(" + strconv.Itoa(int(a)) + ")"
}

// MarshalText writes the ordinal.
func (a AddresseeType) MarshalText() ([]byte, error) {
	if _, err := AddresseeTypeFromInt(int(a)); err != nil {
		return nil, err
	}
	return []byte(strconv.Itoa(int(a))), nil
}

// UnmarshalText reads an ordinal written by MarshalText.
func (a *AddresseeType) UnmarshalText(text []byte) error {
	v, err := strconv.Atoi(string(text))
	if err != nil {
		return fmt.Errorf("invalid addressee type %q: %w", text, err)
	}
	parsed, err := AddresseeTypeFromInt(v)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// MarshalJSON writes the ordinal as a JSON number.
func (a AddresseeType) MarshalJSON() ([]byte, error) {
	return a.MarshalText()
}

// UnmarshalJSON reads a JSON number ordinal.
func (a *AddresseeType) UnmarshalJSON(data []byte) error {
	return a.UnmarshalText(data)
}
