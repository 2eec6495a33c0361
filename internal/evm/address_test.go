package evm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"checksummed", "0x86003B044F70DAC0ABC80AC8957305B6370893ED", "0x86003b044f70dac0abc80ac8957305b6370893ed"},
		{"without prefix", "86003b044f70dac0abc80ac8957305b6370893ed", "0x86003b044f70dac0abc80ac8957305b6370893ed"},
		{"padded", "  0x86003b044f70dac0abc80ac8957305b6370893ed ", "0x86003b044f70dac0abc80ac8957305b6370893ed"},
		{"invalid kept", "NotAnAddress", "notanaddress"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal("0xABCDEF0000000000000000000000000000000001", "0xabcdef0000000000000000000000000000000001"))
	assert.False(t, Equal("0xabcdef0000000000000000000000000000000001", "0xabcdef0000000000000000000000000000000002"))
}
