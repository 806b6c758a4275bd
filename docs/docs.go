// Package docs registers the OpenAPI document served at /docs.
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
        "/auth/register": {
            "post": {
                "description": "Register a new user and return an access token",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["auth"],
                "summary": "Register a new user",
                "parameters": [
                    {"description": "Register input", "name": "input", "in": "body", "required": true,
                     "schema": {"$ref": "#/definitions/httpserver.registerRequest"}}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/httpserver.envelope"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/httpserver.envelope"}}
                }
            }
        },
        "/auth/login": {
            "post": {
                "description": "Login with email and password",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["auth"],
                "summary": "Login",
                "parameters": [
                    {"description": "Login input", "name": "input", "in": "body", "required": true,
                     "schema": {"$ref": "#/definitions/httpserver.loginRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/httpserver.envelope"}},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/httpserver.envelope"}}
                }
            }
        },
        "/auth/logout": {
            "post": {
                "security": [{"BearerAuth": []}],
                "description": "Revoke the current access token",
                "produces": ["application/json"],
                "tags": ["auth"],
                "summary": "Logout",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/httpserver.envelope"}}
                }
            }
        },
        "/auth/me": {
            "get": {
                "security": [{"BearerAuth": []}],
                "description": "Get currently logged in user details",
                "produces": ["application/json"],
                "tags": ["auth"],
                "summary": "Get Current User",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/httpserver.envelope"}}
                }
            }
        },
        "/conversations": {
            "get": {
                "security": [{"BearerAuth": []}],
                "description": "Active conversations of the current user, most recent first",
                "produces": ["application/json"],
                "tags": ["conversations"],
                "summary": "List conversations",
                "parameters": [
                    {"type": "integer", "description": "Page (>= 1)", "name": "page", "in": "query"},
                    {"type": "integer", "description": "Page size (1-50)", "name": "limit", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/httpserver.envelope"}}
                }
            },
            "post": {
                "security": [{"BearerAuth": []}],
                "description": "Returns the existing direct conversation with the participant or creates it",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["conversations"],
                "summary": "Start a direct conversation",
                "parameters": [
                    {"description": "Participant", "name": "input", "in": "body", "required": true,
                     "schema": {"$ref": "#/definitions/httpserver.directConversationRequest"}}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/httpserver.envelope"}}
                }
            }
        },
        "/messages": {
            "get": {
                "security": [{"BearerAuth": []}],
                "description": "Message history of a conversation, oldest first within the page",
                "produces": ["application/json"],
                "tags": ["messages"],
                "summary": "List messages",
                "parameters": [
                    {"type": "integer", "description": "Conversation id", "name": "conversationId", "in": "query", "required": true},
                    {"type": "integer", "description": "Page (>= 1)", "name": "page", "in": "query"},
                    {"type": "integer", "description": "Page size (1-100)", "name": "limit", "in": "query"},
                    {"type": "integer", "description": "Return messages older than this message id", "name": "cursor", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/httpserver.envelope"}}
                }
            },
            "post": {
                "security": [{"BearerAuth": []}],
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["messages"],
                "summary": "Send a message",
                "parameters": [
                    {"description": "Message", "name": "input", "in": "body", "required": true,
                     "schema": {"$ref": "#/definitions/httpserver.sendMessageRequest"}}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/httpserver.envelope"}}
                }
            }
        },
        "/users/register-push-token": {
            "post": {
                "security": [{"BearerAuth": []}],
                "description": "Register an Expo push token for the current user",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["users"],
                "summary": "Register push token",
                "parameters": [
                    {"description": "Push token", "name": "input", "in": "body", "required": true,
                     "schema": {"$ref": "#/definitions/httpserver.pushTokenRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/httpserver.envelope"}}
                }
            }
        }
    },
    "definitions": {
        "httpserver.envelope": {
            "type": "object",
            "properties": {
                "success": {"type": "boolean"},
                "message": {"type": "string"},
                "data": {},
                "errors": {"type": "array", "items": {"$ref": "#/definitions/domain.FieldError"}}
            }
        },
        "domain.FieldError": {
            "type": "object",
            "properties": {
                "field": {"type": "string"},
                "message": {"type": "string"}
            }
        },
        "httpserver.registerRequest": {
            "type": "object",
            "required": ["email", "name", "password"],
            "properties": {
                "name": {"type": "string", "maxLength": 50, "minLength": 2},
                "email": {"type": "string"},
                "password": {"type": "string", "minLength": 6}
            }
        },
        "httpserver.loginRequest": {
            "type": "object",
            "required": ["email", "password"],
            "properties": {
                "email": {"type": "string"},
                "password": {"type": "string"}
            }
        },
        "httpserver.directConversationRequest": {
            "type": "object",
            "required": ["participantId"],
            "properties": {
                "participantId": {"type": "integer"}
            }
        },
        "httpserver.sendMessageRequest": {
            "type": "object",
            "required": ["conversationId"],
            "properties": {
                "conversationId": {"type": "integer"},
                "text": {"type": "string", "maxLength": 1000},
                "type": {"type": "string", "enum": ["text", "image", "file"]},
                "mediaUrl": {"type": "string"},
                "replyTo": {"type": "integer"}
            }
        },
        "httpserver.pushTokenRequest": {
            "type": "object",
            "required": ["expoPushToken"],
            "properties": {
                "expoPushToken": {"type": "string"}
            }
        }
    },
    "securityDefinitions": {
        "BearerAuth": {
            "type": "apiKey",
            "name": "Authorization",
            "in": "header"
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "localhost:8000",
	BasePath:         "/api",
	Schemes:          []string{},
	Title:            "hashview API",
	Description:      "Realtime messaging backend for the hashview mobile app.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
