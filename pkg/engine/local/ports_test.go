package local

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPortManager(t *testing.T) {
	pm, err := NewPortManager(PortRange{Min: 40000, Max: 40002}, false)
	require.NoError(t, err)

	var ports []int
	for i := 0; i < 3; i++ {
		port, err := pm.Allocate()
		require.NoError(t, err)
		ports = append(ports, port)
	}
	assert.Equal(t, []int{40000, 40001, 40002}, ports)
	assert.Equal(t, 0, pm.Available())

	_, err = pm.Allocate()
	assert.Error(t, err)

	require.NoError(t, pm.Release(40001))
	assert.False(t, pm.IsPortInUse(40001))
	assert.Error(t, pm.Release(40001))

	port, err := pm.Allocate()
	require.NoError(t, err)
	assert.Equal(t, 40001, port)
}

func TestPortRangeValidate(t *testing.T) {
	tests := []struct {
		name    string
		r       PortRange
		wantErr bool
	}{
		{"корректный", PortRange{Min: 40000, Max: 49999}, false},
		{"один порт", PortRange{Min: 40000, Max: 40000}, false},
		{"нулевой", PortRange{}, true},
		{"перевернутый", PortRange{Min: 50000, Max: 40000}, true},
		{"за пределами", PortRange{Min: 1, Max: 70000}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.r.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPortRangeSplit(t *testing.T) {
	parts, err := PortRange{Min: 40000, Max: 40010}.Split(3)
	require.NoError(t, err)
	assert.Equal(t, []PortRange{
		{Min: 40000, Max: 40002},
		{Min: 40003, Max: 40005},
		{Min: 40006, Max: 40010},
	}, parts)

	_, err = PortRange{Min: 40000, Max: 40001}.Split(3)
	assert.Error(t, err)
	_, err = PortRange{Min: 40000, Max: 40001}.Split(0)
	assert.Error(t, err)
}
