package artifacts

import _ "embed"

// Working-copy artifacts

//go:embed defaults/config.yaml
var DefaultConfig []byte
