package models

// These structs describe what the OCR service returns for an uploaded document
// and what the orchestrator persists from it.

// Page is one page of an OCR result, in the order the service returned it.
type Page struct {
	Index    int
	Markdown string
	Images   []EmbeddedImage
}

// EmbeddedImage is an image extracted from a page. Data is base64, optionally wrapped in a data URI.
// ID is unique within its document only.
type EmbeddedImage struct {
	ID   string
	Data string
}

// ImageFile is an embedded image after it was written to disk.
type ImageFile struct {
	ID string
	// RelPath is the path referenced from the markdown, "<stem>/<id>".
	RelPath string
	// Path is where the file was written.
	Path string
	Size int
}
