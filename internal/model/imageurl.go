package model

import "strings"

const gridSuffix = "_grid_0.webp"

// MessageHash extracts the Midjourney job hash from a CDN attachment
// URL. Regular attachments carry the hash between the last underscore
// and the extension; preview grids end in "_grid_0.webp" with the hash
// as the whole file name.
func MessageHash(imageURL string) string {
	if imageURL == "" {
		return ""
	}
	name := imageURL
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	if i := strings.Index(name, "?"); i >= 0 {
		name = name[:i]
	}

	if strings.HasSuffix(name, gridSuffix) {
		return strings.TrimSuffix(name, gridSuffix)
	}

	dot := strings.LastIndex(name, ".")
	if dot < 0 {
		return ""
	}
	underscore := strings.LastIndex(name[:dot], "_")
	if underscore < 0 {
		return ""
	}
	return name[underscore+1 : dot]
}
