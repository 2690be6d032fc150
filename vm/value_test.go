package vm

import (
	"testing"
	"unsafe"
)

// ---------------------------------------------------------------------------
// Integer tests
// ---------------------------------------------------------------------------

func TestIntRoundTrip(t *testing.T) {
	tests := []int64{
		0,
		1,
		-1,
		42,
		-42,
		1 << 40,
		-(1 << 40),
		MaxInt,
		MinInt,
	}
	for _, i := range tests {
		c := TagInt(i)
		if !c.IsInt() {
			t.Errorf("TagInt(%d).IsInt() = false, want true", i)
			continue
		}
		if got := c.UntagInt(); got != i {
			t.Errorf("TagInt(%d).UntagInt() = %d, want %d", i, got, i)
		}
	}
}

func TestIntTagPattern(t *testing.T) {
	// The low two bits of a tagged integer are always 00, so ordinary
	// signed arithmetic works after untagging.
	for _, i := range []int64{0, 1, -1, 7, -7, MaxInt, MinInt} {
		if uint64(TagInt(i))&0x3 != 0 {
			t.Errorf("TagInt(%d) low bits = %#x, want 00", i, uint64(TagInt(i))&0x3)
		}
	}
}

func TestIntTypeChecks(t *testing.T) {
	c := TagInt(42)
	if c.IsFloat() {
		t.Error("IsFloat should be false for int")
	}
	if c.IsPtr() {
		t.Error("IsPtr should be false for int")
	}
	if c.IsBool() {
		t.Error("IsBool should be false for int")
	}
	if c.IsNil() {
		t.Error("IsNil should be false for int")
	}
}

// ---------------------------------------------------------------------------
// Float tests
// ---------------------------------------------------------------------------

func TestFloatRoundTrip(t *testing.T) {
	// Only patterns whose top two bits are clear survive the 62-bit
	// encoding; that covers small positive magnitudes, which is all the
	// tag algebra promises.
	tests := []float64{0.0, 0.25, 0.5, 1.0, 1.5, 1.999}
	for _, f := range tests {
		c := TagFloat(f)
		if !c.IsFloat() {
			t.Errorf("TagFloat(%v).IsFloat() = false, want true", f)
			continue
		}
		if got := c.UntagFloat(); got != f {
			t.Errorf("TagFloat(%v).UntagFloat() = %v, want %v", f, got, f)
		}
	}
}

func TestFloatTagPattern(t *testing.T) {
	if uint64(TagFloat(1.5))&0x3 != tagFloat {
		t.Errorf("TagFloat low bits = %#x, want %#x", uint64(TagFloat(1.5))&0x3, tagFloat)
	}
}

// ---------------------------------------------------------------------------
// Pointer tests
// ---------------------------------------------------------------------------

func TestPtrRoundTrip(t *testing.T) {
	pool := NewPool(16)
	p, err := pool.Allocate(4)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	c := TagPtr(p)
	if !c.IsPtr() {
		t.Fatal("TagPtr result should be a tagged pointer")
	}
	if got := c.UntagPtr(); got != p {
		t.Errorf("UntagPtr(TagPtr(p)) = %p, want %p", got, p)
	}
}

func TestPtrAlignment(t *testing.T) {
	pool := NewPool(16)
	for i := 0; i < 4; i++ {
		p, err := pool.Allocate(1)
		if err != nil {
			t.Fatalf("Allocate: %v", err)
		}
		if uintptr(unsafe.Pointer(p))%8 != 0 {
			t.Fatalf("pool cell %d is not 8-byte aligned", i)
		}
	}
}

// ---------------------------------------------------------------------------
// Special tests
// ---------------------------------------------------------------------------

func TestSpecialEncodings(t *testing.T) {
	tests := []struct {
		cell Cell
		bits uint64
	}{
		{False, 0x07},
		{True, 0x0F},
		{Nil, 0x17},
		{Undef, 0x1F},
	}
	for _, tt := range tests {
		if uint64(tt.cell) != tt.bits {
			t.Errorf("special = %#x, want %#x", uint64(tt.cell), tt.bits)
		}
	}
}

func TestBools(t *testing.T) {
	if !MakeBool(true).IsBool() || !MakeBool(false).IsBool() {
		t.Error("MakeBool results should be booleans")
	}
	if MakeBool(true) != True || MakeBool(false) != False {
		t.Error("MakeBool should produce the True/False specials")
	}
	if !True.AsBool() {
		t.Error("True.AsBool() = false")
	}
	if False.AsBool() {
		t.Error("False.AsBool() = true")
	}
	if Nil.IsBool() || Undef.IsBool() {
		t.Error("Nil and Undef are not booleans")
	}
}

func TestNilUndef(t *testing.T) {
	if !Nil.IsNil() || Nil.IsUndef() {
		t.Error("Nil checks wrong")
	}
	if !Undef.IsUndef() || Undef.IsNil() {
		t.Error("Undef checks wrong")
	}
}

// ---------------------------------------------------------------------------
// Raw cell tests
// ---------------------------------------------------------------------------

func TestRawIntRoundTrip(t *testing.T) {
	for _, i := range []int64{0, 1, -1, 3, 1 << 62, -(1 << 62)} {
		if got := MakeRawInt(i).RawInt(); got != i {
			t.Errorf("MakeRawInt(%d).RawInt() = %d", i, got)
		}
	}
}

func TestRawPtrRoundTrip(t *testing.T) {
	id := &Ident{Value: TagInt(5)}
	c := MakeRawPtr(unsafe.Pointer(id))
	if got := (*Ident)(c.RawPtr()); got != id {
		t.Errorf("RawPtr round trip = %p, want %p", got, id)
	}
}

func TestCellString(t *testing.T) {
	tests := []struct {
		cell Cell
		want string
	}{
		{TagInt(42), "42"},
		{TagInt(-7), "-7"},
		{True, "true"},
		{False, "false"},
		{Nil, "nil"},
		{Undef, "undef"},
	}
	for _, tt := range tests {
		if got := tt.cell.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}
