package syncer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChecksum(t *testing.T) {
	t.Run("Equal Content Yields Equal Checksums", func(t *testing.T) {
		first := map[string]interface{}{
			"title":    "Power outage",
			"priority": 3,
			"location": map[string]interface{}{"lat": -26.2041, "lng": 28.0473},
		}
		second := map[string]interface{}{
			"location": map[string]interface{}{"lng": 28.0473, "lat": -26.2041},
			"priority": 3,
			"title":    "Power outage",
		}
		assert.Equal(t, Checksum(first), Checksum(second))
	})

	t.Run("Struct And Map Representations Agree", func(t *testing.T) {
		type report struct {
			Title    string `json:"title"`
			Priority int    `json:"priority"`
		}
		asStruct := report{Title: "Flooding", Priority: 5}
		asMap := map[string]interface{}{"priority": 5, "title": "Flooding"}
		assert.Equal(t, Checksum(asStruct), Checksum(asMap))
	})

	t.Run("Value Change Changes The Checksum", func(t *testing.T) {
		base := map[string]interface{}{"title": "Fire", "priority": 4}
		changed := map[string]interface{}{"title": "Fire", "priority": 5}
		assert.NotEqual(t, Checksum(base), Checksum(changed))
	})

	t.Run("Array Order Is Significant", func(t *testing.T) {
		first := map[string]interface{}{"tags": []string{"urgent", "fire"}}
		second := map[string]interface{}{"tags": []string{"fire", "urgent"}}
		assert.NotEqual(t, Checksum(first), Checksum(second))
	})

	t.Run("Checksum Is Stable Across Calls", func(t *testing.T) {
		payload := map[string]interface{}{
			"nested": map[string]interface{}{
				"a": []interface{}{1, "two", nil, true},
				"b": map[string]interface{}{"x": 1.5},
			},
		}
		first := Checksum(payload)
		for i := 0; i < 20; i++ {
			assert.Equal(t, first, Checksum(payload))
		}
	})

	t.Run("Checksum Is Hex SHA-256 Sized", func(t *testing.T) {
		assert.Len(t, Checksum(map[string]interface{}{"k": "v"}), 64)
	})
}
