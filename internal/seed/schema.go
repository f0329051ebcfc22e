package seed

import (
	"regexp"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

const schemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["objects"],
  "additionalProperties": false,
  "properties": {
    "version": { "type": "integer", "minimum": 1 },
    "gameModes": { "$ref": "#/definitions/modes" },
    "radius": { "type": "number", "exclusiveMinimum": 0 },
    "objects": {
      "type": "array",
      "items": { "$ref": "#/definitions/object" }
    },
    "trails": {
      "type": "array",
      "items": { "$ref": "#/definitions/trail" }
    }
  },
  "definitions": {
    "modes": { "type": "array", "items": { "type": "string", "minLength": 1 } },
    "kind": { "enum": ["chalice", "chest", "sphere", "coin", "npc", "landmark"] },
    "object": {
      "type": "object",
      "required": ["id", "kind", "anchor"],
      "additionalProperties": false,
      "properties": {
        "id": { "type": "string", "format": "object_id" },
        "kind": { "$ref": "#/definitions/kind" },
        "anchor": { "type": "string", "minLength": 3 },
        "radius": { "type": "number", "exclusiveMinimum": 0 },
        "tagId": { "type": "string", "minLength": 1 },
        "gameModes": { "$ref": "#/definitions/modes" },
        "coLocateWith": { "type": "string", "format": "object_id" },
        "attributes": { "type": "object", "additionalProperties": { "type": "string" } }
      }
    },
    "trail": {
      "type": "object",
      "required": ["idPrefix", "kind", "path", "every"],
      "additionalProperties": false,
      "properties": {
        "idPrefix": { "type": "string", "format": "object_id" },
        "kind": { "$ref": "#/definitions/kind" },
        "path": { "type": "string", "minLength": 5 },
        "every": { "type": "number", "exclusiveMinimum": 0 },
        "radius": { "type": "number", "exclusiveMinimum": 0 },
        "gameModes": { "$ref": "#/definitions/modes" }
      }
    }
  }
}`

var objectIDPattern = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// objectIDFormatChecker accepts ids made of letters, digits, dots, hyphens
// and underscores.
type objectIDFormatChecker struct{}

func (objectIDFormatChecker) IsFormat(input interface{}) bool {
	s, ok := input.(string)
	return ok && objectIDPattern.MatchString(s)
}

var schemaLoader = sync.OnceValue(func() gojsonschema.JSONLoader {
	gojsonschema.FormatCheckers.Add("object_id", objectIDFormatChecker{})
	return gojsonschema.NewStringLoader(schemaJSON)
})
