// Package docs registers the OpenAPI description of the updates feed with
// swag so gin-swagger can serve it under /swagger when SWAGGER_ENABLED is set.
//
// The template follows the layout `swag init` emits from the handler
// annotations; keep both in step when an endpoint changes.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/updates": {
            "get": {
                "description": "Returns updates ordered by timestamp, newest first. Channel links are rewritten into markdown links. Supports weak ETag via If-None-Match and may return 304.",
                "produces": ["application/json"],
                "tags": ["Updates"],
                "summary": "List updates (paginated)",
                "operationId": "listUpdates",
                "parameters": [
                    {"type": "string", "description": "Return 304 if ETag matches", "name": "If-None-Match", "in": "header"},
                    {"maximum": 100, "minimum": 1, "type": "integer", "default": 20, "description": "Page size", "name": "limit", "in": "query"},
                    {"minimum": 0, "type": "integer", "default": 0, "description": "Rows to skip", "name": "offset", "in": "query"}
                ],
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {"$ref": "#/definitions/handlers.ListUpdatesResponse"},
                        "headers": {"ETag": {"type": "string", "description": "Weak ETag for current result"}}
                    },
                    "304": {"description": "Not Modified", "schema": {"type": "string"}},
                    "429": {"description": "Rate limited", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "500": {"description": "Internal error", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/updates/{id}": {
            "get": {
                "produces": ["application/json"],
                "tags": ["Updates"],
                "summary": "Get one update",
                "operationId": "getUpdate",
                "parameters": [
                    {"type": "string", "format": "uuid", "description": "Update ID (UUID)", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/domain.Update"}},
                    "404": {"description": "Update not found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "500": {"description": "Internal error", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/admin/sync": {
            "get": {
                "produces": ["application/json"],
                "tags": ["Admin"],
                "summary": "Latest sync run",
                "operationId": "latestSyncRun",
                "parameters": [
                    {"type": "string", "description": "Admin token", "name": "X-Admin-Token", "in": "header", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/domain.SyncRun"}},
                    "404": {"description": "No run recorded yet", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            },
            "post": {
                "description": "Fetches recent channel messages and reconciles them with the store. Supports idempotency via the Idempotency-Key header (same key → same run).",
                "produces": ["application/json"],
                "tags": ["Admin"],
                "summary": "Run a backfill now",
                "operationId": "triggerSync",
                "parameters": [
                    {"type": "string", "description": "Admin token", "name": "X-Admin-Token", "in": "header", "required": true},
                    {"type": "string", "description": "Idempotency key for safe retries", "name": "Idempotency-Key", "in": "header"}
                ],
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {"$ref": "#/definitions/domain.SyncRun"},
                        "headers": {"Idempotency-Replayed": {"type": "string", "description": "true when the response replays an earlier run"}}
                    },
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "500": {"description": "Internal error", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "502": {"description": "Message source failed", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "503": {"description": "No message source configured", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/admin/sync/{id}": {
            "get": {
                "produces": ["application/json"],
                "tags": ["Admin"],
                "summary": "Get one sync run",
                "operationId": "getSyncRun",
                "parameters": [
                    {"type": "string", "description": "Admin token", "name": "X-Admin-Token", "in": "header", "required": true},
                    {"type": "string", "format": "uuid", "description": "Sync run ID (UUID)", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/domain.SyncRun"}},
                    "404": {"description": "Sync run not found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        }
    },
    "definitions": {
        "domain.Attachment": {
            "type": "object",
            "properties": {
                "localUrl": {"type": "string"},
                "originalUrl": {"type": "string"},
                "filename": {"type": "string"},
                "contentType": {"type": "string"},
                "cached": {"type": "boolean"}
            }
        },
        "domain.Embed": {
            "type": "object",
            "properties": {
                "title": {"type": "string"},
                "description": {"type": "string"},
                "url": {"type": "string"},
                "color": {"type": "integer"},
                "image": {"type": "string"},
                "thumbnail": {"type": "string"}
            }
        },
        "domain.Reaction": {
            "type": "object",
            "properties": {
                "emojiId": {"type": "string"},
                "emojiName": {"type": "string"},
                "animated": {"type": "boolean"},
                "count": {"type": "integer"}
            }
        },
        "domain.Update": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "message_id": {"type": "string"},
                "message_ids": {"type": "array", "items": {"type": "string"}},
                "channel_id": {"type": "string"},
                "author_id": {"type": "string"},
                "author_name": {"type": "string"},
                "author_avatar": {"type": "string"},
                "title": {"type": "string"},
                "content": {"type": "string"},
                "attachments": {"type": "array", "items": {"$ref": "#/definitions/domain.Attachment"}},
                "embeds": {"type": "array", "items": {"$ref": "#/definitions/domain.Embed"}},
                "reactions": {"type": "array", "items": {"$ref": "#/definitions/domain.Reaction"}},
                "timestamp": {"type": "string"},
                "created_at": {"type": "string"},
                "updated_at": {"type": "string"}
            }
        },
        "domain.SyncRun": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "trigger": {"type": "string", "enum": ["startup", "schedule", "admin", "cli"]},
                "fetched": {"type": "integer"},
                "groups": {"type": "integer"},
                "created": {"type": "integer"},
                "refreshed": {"type": "integer"},
                "failed": {"type": "integer"},
                "error": {"type": "string"},
                "started_at": {"type": "string"},
                "finished_at": {"type": "string"}
            }
        },
        "handlers.ErrorResponse": {
            "type": "object",
            "properties": {
                "request_id": {"type": "string", "example": "123e4567-e89b-12d3-a456-426614174000"},
                "code": {"type": "string", "example": "not_found"},
                "message": {"type": "string", "example": "resource not found"},
                "error": {"type": "string", "example": "database is locked"}
            }
        },
        "handlers.ListUpdatesResponse": {
            "type": "object",
            "properties": {
                "updates": {"type": "array", "items": {"$ref": "#/definitions/domain.Update"}},
                "limit": {"type": "integer", "example": 20},
                "offset": {"type": "integer", "example": 0},
                "hasMore": {"type": "boolean", "example": true}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/api/v1",
	Schemes:          []string{},
	Title:            "Updates Feed API",
	Description:      "Read API for community updates ingested from a Discord announcement channel.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
