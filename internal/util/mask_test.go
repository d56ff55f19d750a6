package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskDSN(t *testing.T) {
	cases := [][2]string{
		{"", ""},
		{"postgres://signer:s3cr3t@db:5432/signer?sslmode=disable", "postgres://signer:xxxxx@db:5432/signer?sslmode=disable"},
		{"postgres://signer@db/signer", "postgres://signer@db/signer"},
		{"host=db user=signer password=s3cr3t dbname=signer", "host=db user=signer password=xxxxx dbname=signer"},
	}
	for _, tc := range cases {
		got := MaskDSN(tc[0])
		assert.Equal(t, tc[1], got, tc[0])
		assert.NotContains(t, got, "s3cr3t")
	}
}
