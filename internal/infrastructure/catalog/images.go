package catalog

import (
	"embed"
	"path"
)

// BundledImageBase prefixes the image URLs of the built-in fixtures.
// Nothing is served at this host; those URLs resolve to images compiled into the binary.
const BundledImageBase = "https://fixtures.leyvacars.local/images/"

//go:embed images/*.png
var bundled embed.FS

// BundledImages maps each built-in image URL to its bytes
func BundledImages() map[string][]byte {
	entries, err := bundled.ReadDir("images")
	if err != nil {
		return nil
	}
	images := make(map[string][]byte, len(entries))
	for _, e := range entries {
		data, err := bundled.ReadFile(path.Join("images", e.Name()))
		if err != nil {
			continue
		}
		images[BundledImageBase+e.Name()] = data
	}
	return images
}
