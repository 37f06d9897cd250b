package swagger

import (
	"bytes"
	"text/template"

	"github.com/swaggo/swag"
)

const docTemplate = `{
    "swagger": "2.0",
    "info": {
        "title": "Maintenance Request API",
        "description": "Facility maintenance request workflow",
        "version": "1.0.0"
    },
    "basePath": "{{.BasePath}}",
    "schemes": [
        "http"
    ],
    "securityDefinitions": {
        "BearerAuth": {
            "type": "apiKey",
            "name": "Authorization",
            "in": "header"
        }
    },
    "tags": [
        {
            "name": "Authentication"
        },
        {
            "name": "Maintenance Requests",
            "description": "Maintenance request workflow"
        },
        {
            "name": "Observability"
        }
    ],
    "paths": {
        "/auth/login": {
            "post": {
                "tags": [
                    "Authentication"
                ],
                "summary": "Authenticate user",
                "parameters": [
                    {
                        "name": "payload",
                        "in": "body",
                        "required": true,
                        "schema": {
                            "$ref": "#/definitions/LoginRequest"
                        }
                    }
                ],
                "responses": {
                    "200": {
                        "description": "Tokens issued",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "401": {
                        "description": "Invalid credentials",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    }
                }
            }
        },
        "/auth/refresh": {
            "post": {
                "tags": [
                    "Authentication"
                ],
                "summary": "Rotate refresh token",
                "parameters": [
                    {
                        "name": "payload",
                        "in": "body",
                        "required": true,
                        "schema": {
                            "$ref": "#/definitions/RefreshTokenRequest"
                        }
                    }
                ],
                "responses": {
                    "200": {
                        "description": "Tokens issued",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "401": {
                        "description": "Expired or revoked",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    }
                }
            }
        },
        "/auth/logout": {
            "post": {
                "tags": [
                    "Authentication"
                ],
                "summary": "Revoke refresh token",
                "security": [
                    {
                        "BearerAuth": []
                    }
                ],
                "parameters": [
                    {
                        "name": "payload",
                        "in": "body",
                        "required": true,
                        "schema": {
                            "$ref": "#/definitions/RefreshTokenRequest"
                        }
                    }
                ],
                "responses": {
                    "204": {
                        "description": "Logged out"
                    },
                    "403": {
                        "description": "Token belongs to another user",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    }
                }
            }
        },
        "/auth/me": {
            "get": {
                "tags": [
                    "Authentication"
                ],
                "summary": "Current user",
                "security": [
                    {
                        "BearerAuth": []
                    }
                ],
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    }
                }
            }
        },
        "/metrics/summary": {
            "get": {
                "tags": [
                    "Observability"
                ],
                "summary": "Metrics snapshot (ADMIN)",
                "security": [
                    {
                        "BearerAuth": []
                    }
                ],
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    }
                }
            }
        },
        "/maintenance-requests": {
            "get": {
                "tags": [
                    "Maintenance Requests"
                ],
                "summary": "List maintenance requests",
                "security": [
                    {
                        "BearerAuth": []
                    }
                ],
                "parameters": [
                    {
                        "name": "status",
                        "in": "query",
                        "type": "string"
                    },
                    {
                        "name": "assignedToId",
                        "in": "query",
                        "type": "integer"
                    },
                    {
                        "name": "buildingId",
                        "in": "query",
                        "type": "integer"
                    },
                    {
                        "name": "createdById",
                        "in": "query",
                        "type": "integer"
                    },
                    {
                        "name": "search",
                        "in": "query",
                        "type": "string"
                    },
                    {
                        "name": "page",
                        "in": "query",
                        "type": "integer"
                    },
                    {
                        "name": "pageSize",
                        "in": "query",
                        "type": "integer"
                    },
                    {
                        "name": "sortBy",
                        "in": "query",
                        "type": "string"
                    },
                    {
                        "name": "sortOrder",
                        "in": "query",
                        "type": "string"
                    }
                ],
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    }
                }
            },
            "post": {
                "tags": [
                    "Maintenance Requests"
                ],
                "summary": "Create maintenance request",
                "security": [
                    {
                        "BearerAuth": []
                    }
                ],
                "parameters": [
                    {
                        "name": "payload",
                        "in": "body",
                        "required": true,
                        "schema": {
                            "$ref": "#/definitions/MaintenanceRequestPayload"
                        }
                    }
                ],
                "responses": {
                    "201": {
                        "description": "Created",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "400": {
                        "description": "Validation or reference error",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "409": {
                        "description": "Protocol number in use",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    }
                }
            }
        },
        "/maintenance-requests/export": {
            "get": {
                "tags": [
                    "Maintenance Requests"
                ],
                "summary": "Export maintenance requests (ADMIN, MANAGER)",
                "security": [
                    {
                        "BearerAuth": []
                    }
                ],
                "parameters": [
                    {
                        "name": "format",
                        "in": "query",
                        "type": "string",
                        "enum": [
                            "csv",
                            "pdf"
                        ]
                    },
                    {
                        "name": "status",
                        "in": "query",
                        "type": "string"
                    },
                    {
                        "name": "assignedToId",
                        "in": "query",
                        "type": "integer"
                    },
                    {
                        "name": "buildingId",
                        "in": "query",
                        "type": "integer"
                    },
                    {
                        "name": "createdById",
                        "in": "query",
                        "type": "integer"
                    },
                    {
                        "name": "search",
                        "in": "query",
                        "type": "string"
                    },
                    {
                        "name": "page",
                        "in": "query",
                        "type": "integer"
                    },
                    {
                        "name": "pageSize",
                        "in": "query",
                        "type": "integer"
                    },
                    {
                        "name": "sortBy",
                        "in": "query",
                        "type": "string"
                    },
                    {
                        "name": "sortOrder",
                        "in": "query",
                        "type": "string"
                    }
                ],
                "responses": {
                    "200": {
                        "description": "CSV or PDF document"
                    },
                    "400": {
                        "description": "Unsupported format",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    }
                }
            }
        },
        "/maintenance-requests/protocol": {
            "get": {
                "tags": [
                    "Maintenance Requests"
                ],
                "summary": "Find by protocol number",
                "security": [
                    {
                        "BearerAuth": []
                    }
                ],
                "parameters": [
                    {
                        "name": "number",
                        "in": "query",
                        "required": true,
                        "type": "string"
                    }
                ],
                "responses": {
                    "200": {
                        "description": "meta.found tells whether a request matched",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    }
                }
            }
        },
        "/maintenance-requests/{id}": {
            "get": {
                "tags": [
                    "Maintenance Requests"
                ],
                "summary": "Get maintenance request",
                "security": [
                    {
                        "BearerAuth": []
                    }
                ],
                "parameters": [
                    {
                        "name": "id",
                        "in": "path",
                        "required": true,
                        "type": "integer"
                    }
                ],
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "404": {
                        "description": "Not found",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    }
                }
            },
            "patch": {
                "tags": [
                    "Maintenance Requests"
                ],
                "summary": "Update maintenance request (ADMIN, MANAGER, TECHNICIAN)",
                "security": [
                    {
                        "BearerAuth": []
                    }
                ],
                "parameters": [
                    {
                        "name": "id",
                        "in": "path",
                        "required": true,
                        "type": "integer"
                    },
                    {
                        "name": "payload",
                        "in": "body",
                        "required": true,
                        "schema": {
                            "$ref": "#/definitions/MaintenanceRequestPayload"
                        }
                    }
                ],
                "responses": {
                    "200": {
                        "description": "Updated",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "400": {
                        "description": "Validation or reference error",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "404": {
                        "description": "Not found",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    }
                }
            },
            "delete": {
                "tags": [
                    "Maintenance Requests"
                ],
                "summary": "Delete maintenance request (ADMIN)",
                "security": [
                    {
                        "BearerAuth": []
                    }
                ],
                "parameters": [
                    {
                        "name": "id",
                        "in": "path",
                        "required": true,
                        "type": "integer"
                    }
                ],
                "responses": {
                    "204": {
                        "description": "Deleted"
                    },
                    "404": {
                        "description": "Not found",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    }
                }
            }
        }
    },
    "definitions": {
        "LoginRequest": {
            "type": "object",
            "required": [
                "email",
                "password"
            ],
            "properties": {
                "email": {
                    "type": "string"
                },
                "password": {
                    "type": "string"
                }
            }
        },
        "RefreshTokenRequest": {
            "type": "object",
            "required": [
                "refresh_token"
            ],
            "properties": {
                "refresh_token": {
                    "type": "string"
                }
            }
        },
        "Relation": {
            "type": "object",
            "x-nullable": true,
            "properties": {
                "id": {
                    "type": "integer"
                }
            }
        },
        "StatusPayload": {
            "type": "object",
            "properties": {
                "status": {
                    "type": "string",
                    "enum": [
                        "PENDING",
                        "SCHEDULED",
                        "IN_PROGRESS",
                        "ON_HOLD",
                        "COMPLETED",
                        "CANCELLED",
                        "TRANSFERRED"
                    ]
                },
                "description": {
                    "type": "string"
                },
                "isFinal": {
                    "type": "boolean"
                },
                "order": {
                    "type": "integer"
                },
                "createdAt": {
                    "type": "string",
                    "format": "date-time"
                }
            }
        },
        "TimelineEventPayload": {
            "type": "object",
            "properties": {
                "id": {
                    "type": "integer"
                },
                "actorId": {
                    "type": "integer"
                },
                "type": {
                    "type": "string"
                },
                "description": {
                    "type": "string"
                },
                "details": {
                    "type": "object"
                },
                "transferFromInstanceId": {
                    "type": "integer"
                },
                "transferToInstanceId": {
                    "type": "integer"
                },
                "occurredAt": {
                    "type": "string",
                    "format": "date-time"
                }
            }
        },
        "MaterialRequestPayload": {
            "type": "object",
            "properties": {
                "id": {
                    "type": "integer"
                },
                "protocolNumber": {
                    "type": "string"
                }
            }
        },
        "MaintenanceRequestPayload": {
            "type": "object",
            "properties": {
                "protocolNumber": {
                    "type": "string"
                },
                "title": {
                    "type": "string"
                },
                "description": {
                    "type": "string"
                },
                "solutionDetails": {
                    "type": "string"
                },
                "requestedAt": {
                    "type": "string",
                    "format": "date-time"
                },
                "deadline": {
                    "type": "string",
                    "format": "date-time"
                },
                "completedAt": {
                    "type": "string",
                    "format": "date-time"
                },
                "currentMaintenanceInstance": {
                    "$ref": "#/definitions/Relation"
                },
                "createdBy": {
                    "$ref": "#/definitions/Relation"
                },
                "assignedTo": {
                    "$ref": "#/definitions/Relation"
                },
                "facilityComplex": {
                    "$ref": "#/definitions/Relation"
                },
                "building": {
                    "$ref": "#/definitions/Relation"
                },
                "space": {
                    "$ref": "#/definitions/Relation"
                },
                "system": {
                    "$ref": "#/definitions/Relation"
                },
                "serviceType": {
                    "$ref": "#/definitions/Relation"
                },
                "diagnosis": {
                    "$ref": "#/definitions/Relation"
                },
                "requestingUnit": {
                    "$ref": "#/definitions/Relation"
                },
                "costUnit": {
                    "$ref": "#/definitions/Relation"
                },
                "statuses": {
                    "$ref": "#/definitions/StatusPayload"
                },
                "timelineEvents": {
                    "type": "array",
                    "items": {
                        "$ref": "#/definitions/TimelineEventPayload"
                    }
                },
                "materialRequests": {
                    "type": "array",
                    "items": {
                        "$ref": "#/definitions/MaterialRequestPayload"
                    }
                }
            }
        },
        "Pagination": {
            "type": "object",
            "properties": {
                "page": {
                    "type": "integer"
                },
                "page_size": {
                    "type": "integer"
                },
                "total_count": {
                    "type": "integer"
                }
            }
        },
        "APIError": {
            "type": "object",
            "properties": {
                "code": {
                    "type": "string"
                },
                "message": {
                    "type": "string"
                },
                "status": {
                    "type": "integer"
                }
            }
        },
        "ResponseEnvelope": {
            "type": "object",
            "properties": {
                "data": {
                    "type": "object"
                },
                "error": {
                    "$ref": "#/definitions/APIError"
                },
                "pagination": {
                    "$ref": "#/definitions/Pagination"
                },
                "meta": {
                    "type": "object"
                }
            }
        }
    }
}`

// SwaggerInfo holds the values substituted into the document.
var SwaggerInfo = struct {
	BasePath string
}{BasePath: "/api/v1"}

type swaggerDoc struct{}

// ReadDoc renders the Swagger document for the configured base path.
func (s *swaggerDoc) ReadDoc() string {
	tpl, err := template.New("swagger").Parse(docTemplate)
	if err != nil {
		return docTemplate
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, SwaggerInfo); err != nil {
		return docTemplate
	}
	return buf.String()
}

func init() {
	swag.Register(swag.Name, &swaggerDoc{})
}
