package protocol

import (
	"github.com/bytedance/sonic"

	"github.com/meftunca/voxlink/pkg/config"
)

// SonicCodec implements Codec using bytedance/sonic
type SonicCodec struct {
	api sonic.API
}

// NewSonicCodec creates a new Sonic JSON codec
func NewSonicCodec(cfg config.JSONConfig) *SonicCodec {
	apiConfig := sonic.Config{
		EscapeHTML: cfg.EscapeHTML,
	}
	return &SonicCodec{api: apiConfig.Froze()}
}

func (c *SonicCodec) Name() string { return string(config.JSONLibrarySonic) }

func (c *SonicCodec) Marshal(v any) ([]byte, error) {
	return c.api.Marshal(v)
}

func (c *SonicCodec) Unmarshal(data []byte, v any) error {
	return c.api.Unmarshal(data, v)
}
