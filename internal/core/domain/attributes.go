package domain

import (
	"encoding/json"
	"fmt"
)

// Attributes is the category-specific part of an inventory item. Each category
// has its own variant; raw attribute bags are decoded with ParseAttributes.
type Attributes interface {
	Category() Category
	PowerDraw() int
	Validate() error
}

type CPUAttributes struct {
	Socket string `json:"socket"`
	Cores  int    `json:"cores,omitempty"`
	Draw   int    `json:"power_draw"`
}

func (a CPUAttributes) Category() Category { return CategoryCPU }
func (a CPUAttributes) PowerDraw() int     { return a.Draw }

func (a CPUAttributes) Validate() error {
	if a.Socket == "" {
		return NewValidationError("attributes.socket", "is required for cpu")
	}
	return nonNegativePower(a.Draw)
}

type MotherboardAttributes struct {
	Socket     string `json:"socket"`
	RAMType    string `json:"ram_type"`
	FormFactor string `json:"form_factor,omitempty"`
	Draw       int    `json:"power_draw"`
}

func (a MotherboardAttributes) Category() Category { return CategoryMotherboard }
func (a MotherboardAttributes) PowerDraw() int     { return a.Draw }

func (a MotherboardAttributes) Validate() error {
	if a.Socket == "" {
		return NewValidationError("attributes.socket", "is required for motherboard")
	}
	if a.RAMType == "" {
		return NewValidationError("attributes.ram_type", "is required for motherboard")
	}
	return nonNegativePower(a.Draw)
}

type RAMAttributes struct {
	RAMType    string `json:"ram_type"`
	CapacityGB int    `json:"capacity_gb,omitempty"`
	Draw       int    `json:"power_draw"`
}

func (a RAMAttributes) Category() Category { return CategoryRAM }
func (a RAMAttributes) PowerDraw() int     { return a.Draw }

func (a RAMAttributes) Validate() error {
	if a.RAMType == "" {
		return NewValidationError("attributes.ram_type", "is required for ram")
	}
	return nonNegativePower(a.Draw)
}

type PSUAttributes struct {
	Wattage int `json:"wattage"`
}

func (a PSUAttributes) Category() Category { return CategoryPSU }
func (a PSUAttributes) PowerDraw() int     { return 0 }

func (a PSUAttributes) Validate() error {
	if a.Wattage <= 0 {
		return NewValidationError("attributes.wattage", "must be positive for psu")
	}
	return nil
}

// GenericAttributes covers categories whose only build-relevant attribute is
// their power draw (GPU, storage, case, cooler, peripherals).
type GenericAttributes struct {
	Kind Category `json:"-"`
	Draw int      `json:"power_draw"`
}

func (a GenericAttributes) Category() Category { return a.Kind }
func (a GenericAttributes) PowerDraw() int     { return a.Draw }
func (a GenericAttributes) Validate() error    { return nonNegativePower(a.Draw) }

func nonNegativePower(w int) error {
	if w < 0 {
		return NewValidationError("attributes.power_draw", "cannot be negative")
	}
	return nil
}

// ParseAttributes decodes a raw attribute bag into the variant for category.
// An empty bag yields the zero variant, which still has to pass Validate.
func ParseAttributes(category Category, raw json.RawMessage) (Attributes, error) {
	if !category.Valid() {
		return nil, NewValidationError("category", "unknown category "+string(category))
	}
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage("{}")
	}

	var attrs Attributes
	var err error
	switch category {
	case CategoryCPU:
		var a CPUAttributes
		err = json.Unmarshal(raw, &a)
		attrs = a
	case CategoryMotherboard:
		var a MotherboardAttributes
		err = json.Unmarshal(raw, &a)
		attrs = a
	case CategoryRAM:
		var a RAMAttributes
		err = json.Unmarshal(raw, &a)
		attrs = a
	case CategoryPSU:
		var a PSUAttributes
		err = json.Unmarshal(raw, &a)
		attrs = a
	default:
		a := GenericAttributes{Kind: category}
		err = json.Unmarshal(raw, &a)
		attrs = a
	}
	if err != nil {
		return nil, NewValidationError("attributes", fmt.Sprintf("malformed: %v", err))
	}
	if err := attrs.Validate(); err != nil {
		return nil, err
	}
	return attrs, nil
}

// MarshalAttributes is the inverse of ParseAttributes, used by storage adapters.
func MarshalAttributes(a Attributes) (json.RawMessage, error) {
	if a == nil {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(a)
}

// Socket returns the socket of a CPU or motherboard, "" otherwise.
func Socket(a Attributes) string {
	switch v := a.(type) {
	case CPUAttributes:
		return v.Socket
	case MotherboardAttributes:
		return v.Socket
	}
	return ""
}

// RAMType returns the memory type of a motherboard or RAM module, "" otherwise.
func RAMType(a Attributes) string {
	switch v := a.(type) {
	case MotherboardAttributes:
		return v.RAMType
	case RAMAttributes:
		return v.RAMType
	}
	return ""
}

// Wattage returns a PSU's rated wattage, 0 otherwise.
func Wattage(a Attributes) int {
	if v, ok := a.(PSUAttributes); ok {
		return v.Wattage
	}
	return 0
}
