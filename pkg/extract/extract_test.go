package extract

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestYear_Unmarshal(t *testing.T) {
	tests := []struct {
		in   string
		want Year
	}{
		{`1965`, "1965"},
		{`"1965"`, "1965"},
		{`" 1965 "`, "1965"},
		{`null`, ""},
		{`""`, ""},
		{`1965.5`, "1965.5"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var y Year
			require.NoError(t, json.Unmarshal([]byte(tt.in), &y))
			assert.Equal(t, tt.want, y)
		})
	}

	var y Year
	assert.Error(t, json.Unmarshal([]byte(`{}`), &y))
}

func TestDecodeFields(t *testing.T) {
	f, err := DecodeFields([]byte(`{"title":"Dune","author":"Frank Herbert","year":1965,"confidence":0.92,"raw_ocr_text":"DUNE\nFRANK HERBERT"}`))
	require.NoError(t, err)
	assert.Equal(t, "Dune", f.Title)
	assert.Equal(t, "Frank Herbert", f.Author)
	assert.Equal(t, Year("1965"), f.Year)
	assert.Equal(t, 0.92, f.Confidence)
	assert.Equal(t, "DUNE\nFRANK HERBERT", f.RawOCRText)
	assert.Empty(t, f.Publisher)
}

func TestDecodeFields_NullMembers(t *testing.T) {
	f, err := DecodeFields([]byte(`{"title":null,"year":null,"confidence":null}`))
	require.NoError(t, err)
	assert.Empty(t, f.Title)
	assert.Empty(t, f.Year)
	assert.Zero(t, f.Confidence)
}

func TestDecodeFields_Errors(t *testing.T) {
	_, err := DecodeFields([]byte(`not json`))
	assert.ErrorIs(t, err, ErrInvalidResponse)

	_, err = DecodeFields([]byte(`{"error":"no text detected"}`))
	require.Error(t, err)
	assert.Equal(t, "no text detected", err.Error())
}

func TestFunc(t *testing.T) {
	var got Request
	var e Extractor = Func(func(_ context.Context, req Request) (*Fields, error) {
		got = req
		return &Fields{Title: "Dune"}, nil
	})

	f, err := e.Extract(context.Background(), Request{InputRef: "a.jpg", Language: "en"})
	require.NoError(t, err)
	assert.Equal(t, "Dune", f.Title)
	assert.Equal(t, Request{InputRef: "a.jpg", Language: "en"}, got)
}
