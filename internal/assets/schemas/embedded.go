// Package schemasassets provides embedded JSON schemas for standalone binary behavior.
//
// Schemas are embedded at compile time so validation works regardless of the
// working directory or installation location.
package schemasassets

import _ "embed"

// OCRResponseSchema describes the JSON body returned by the OCR extraction
// service for one cover image.
//
//go:embed ocr-response.schema.json
var OCRResponseSchema []byte
