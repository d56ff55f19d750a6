package http

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePath(t *testing.T) {
	cases := [][2]string{
		{"", "/"},
		{"/", "/"},
		{"/v1/keys/12345", "/v1/keys/:param"},
		{"/v1/keys/3f2504e0-4f89-11d3-9a0c-0305e82c3301", "/v1/keys/:param"},
		{"/v1/keys//k1", "/v1/keys/k1"},
		{"/v1/audit?request_id=r1", "/v1/audit"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc[1], normalizePath(tc[0]), tc[0])
	}
}
