package swagger

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/swaggo/swag"
)

func TestDocIsValidJSONWithBasePath(t *testing.T) {
	SwaggerInfo.BasePath = "/api/v2"
	defer func() { SwaggerInfo.BasePath = "/api/v1" }()

	raw, err := swag.ReadDoc()
	require.NoError(t, err)

	var doc struct {
		BasePath string                 `json:"basePath"`
		Paths    map[string]interface{} `json:"paths"`
	}
	require.NoError(t, json.Unmarshal([]byte(raw), &doc))
	assert.Equal(t, "/api/v2", doc.BasePath)
	assert.Contains(t, doc.Paths, "/maintenance-requests/{id}")
	assert.Contains(t, doc.Paths, "/auth/login")
}
