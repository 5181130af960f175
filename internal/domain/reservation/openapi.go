package reservation

import (
	"net/http"

	"github.com/medbook/medbook/internal/platform/auth"
	"github.com/medbook/medbook/internal/platform/openapi"
)

func prop(typ, format string) map[string]interface{} {
	p := map[string]interface{}{"type": typ}
	if format != "" {
		p["format"] = format
	}
	return p
}

func objectSchema(required []string, props map[string]interface{}) map[string]interface{} {
	o := map[string]interface{}{"type": "object", "properties": props}
	if len(required) > 0 {
		o["required"] = required
	}
	return o
}

var (
	idParam     = openapi.Param{Name: "id", In: "path", Type: "string", Format: "uuid"}
	limitParam  = openapi.Param{Name: "limit", In: "query", Type: "integer", Description: "Page size"}
	offsetParam = openapi.Param{Name: "offset", In: "query", Type: "integer", Description: "Items to skip"}

	providerRoles = []string{string(auth.RoleProvider)}
	clientRoles   = []string{string(auth.RoleClient)}
	memberRoles   = []string{string(auth.RoleProvider), string(auth.RoleClient)}
)

func errResponses(codes ...int) map[int]openapi.Response {
	rs := make(map[int]openapi.Response, len(codes)+1)
	for _, c := range codes {
		rs[c] = openapi.Response{Description: http.StatusText(c), Schema: "Error"}
	}
	return rs
}

func withResponse(rs map[int]openapi.Response, code int, r openapi.Response) map[int]openapi.Response {
	rs[code] = r
	return rs
}

// DescribeAPI registers the reservation routes and payloads with g. Paths are
// relative to the /api/v1 group.
func DescribeAPI(g *openapi.Generator) {
	g.AddSchema("Error", objectSchema([]string{"code", "message"}, map[string]interface{}{
		"code":    prop("string", ""),
		"message": prop("string", ""),
		"fields":  map[string]interface{}{"type": "object", "additionalProperties": prop("string", "")},
	}))
	g.AddSchema("Slot", objectSchema(nil, map[string]interface{}{
		"id":          prop("string", "uuid"),
		"provider_id": prop("string", "uuid"),
		"start_time":  prop("string", "date-time"),
		"end_time":    prop("string", "date-time"),
		"reserved":    prop("boolean", ""),
		"created_at":  prop("string", "date-time"),
		"updated_at":  prop("string", "date-time"),
	}))
	g.AddSchema("Booking", objectSchema(nil, map[string]interface{}{
		"id":          prop("string", "uuid"),
		"slot_id":     prop("string", "uuid"),
		"client_id":   prop("string", "uuid"),
		"provider_id": prop("string", "uuid"),
		"slot_start":  prop("string", "date-time"),
		"slot_end":    prop("string", "date-time"),
		"note":        prop("string", ""),
		"status": map[string]interface{}{
			"type": "string",
			"enum": []string{string(StatusConfirmed), string(StatusCompleted), string(StatusCancelled)},
		},
		"created_at": prop("string", "date-time"),
		"updated_at": prop("string", "date-time"),
	}))
	g.AddSchema("Rating", objectSchema(nil, map[string]interface{}{
		"id":          prop("string", "uuid"),
		"booking_id":  prop("string", "uuid"),
		"client_id":   prop("string", "uuid"),
		"provider_id": prop("string", "uuid"),
		"score":       map[string]interface{}{"type": "integer", "minimum": MinScore, "maximum": MaxScore},
		"comment":     prop("string", ""),
		"created_at":  prop("string", "date-time"),
	}))
	g.AddSchema("ProviderScore", objectSchema(nil, map[string]interface{}{
		"provider_id":  prop("string", "uuid"),
		"mean_score":   prop("number", "double"),
		"rating_count": prop("integer", ""),
		"updated_at":   prop("string", "date-time"),
	}))
	g.AddSchema("RatingResult", objectSchema(nil, map[string]interface{}{
		"rating":         map[string]interface{}{"$ref": "#/components/schemas/Rating"},
		"provider_score": map[string]interface{}{"$ref": "#/components/schemas/ProviderScore"},
	}))
	g.AddSchema("CreateSlotRequest", objectSchema([]string{"start_time", "end_time"}, map[string]interface{}{
		"start_time": prop("string", "date-time"),
		"end_time":   prop("string", "date-time"),
	}))
	g.AddSchema("CreateBookingRequest", objectSchema([]string{"slot_id"}, map[string]interface{}{
		"slot_id": prop("string", "uuid"),
		"note":    map[string]interface{}{"type": "string", "maxLength": MaxNoteLength},
	}))
	g.AddSchema("TransitionRequest", objectSchema([]string{"status"}, map[string]interface{}{
		"status": map[string]interface{}{
			"type": "string",
			"enum": []string{string(StatusCompleted), string(StatusCancelled)},
		},
	}))
	g.AddSchema("SubmitRatingRequest", objectSchema([]string{"booking_id", "score"}, map[string]interface{}{
		"booking_id": prop("string", "uuid"),
		"score":      map[string]interface{}{"type": "integer", "minimum": MinScore, "maximum": MaxScore},
		"comment":    map[string]interface{}{"type": "string", "maxLength": MaxCommentLength},
	}))

	g.AddOperation(openapi.Operation{
		Method: http.MethodGet, Path: "/providers/:id/slots", Summary: "List a provider's slots", Tag: "Slots",
		Params: []openapi.Param{
			idParam,
			{Name: "from", In: "query", Type: "string", Format: "date-time", Description: "Earliest slot start, defaults to now"},
			{Name: "only_free", In: "query", Type: "boolean", Description: "Hide reserved slots, defaults to true"},
			limitParam, offsetParam,
		},
		Responses: withResponse(errResponses(400), 200, openapi.Response{Description: "OK", Schema: "Slot", Paged: true}),
	})
	g.AddOperation(openapi.Operation{
		Method: http.MethodPost, Path: "/slots", Summary: "Publish a slot", Tag: "Slots",
		Roles: providerRoles, RequestBody: "CreateSlotRequest",
		Responses: withResponse(errResponses(400, 401, 403, 409), 201, openapi.Response{Description: "Created", Schema: "Slot"}),
	})
	g.AddOperation(openapi.Operation{
		Method: http.MethodDelete, Path: "/slots/:id", Summary: "Withdraw an unreserved slot", Tag: "Slots",
		Roles: providerRoles, Params: []openapi.Param{idParam},
		Responses: withResponse(errResponses(401, 403, 404, 409), 204, openapi.Response{Description: "Deleted"}),
	})
	g.AddOperation(openapi.Operation{
		Method: http.MethodPost, Path: "/bookings", Summary: "Book a slot", Tag: "Bookings",
		Roles: clientRoles, RequestBody: "CreateBookingRequest",
		Responses: withResponse(errResponses(400, 401, 403, 404, 409), 201, openapi.Response{Description: "Created", Schema: "Booking"}),
	})
	g.AddOperation(openapi.Operation{
		Method: http.MethodGet, Path: "/bookings/me", Summary: "List the caller's bookings", Tag: "Bookings",
		Roles: memberRoles, Params: []openapi.Param{limitParam, offsetParam},
		Responses: withResponse(errResponses(401, 403), 200, openapi.Response{Description: "OK", Schema: "Booking", Paged: true}),
	})
	g.AddOperation(openapi.Operation{
		Method: http.MethodGet, Path: "/bookings/:id", Summary: "Read a booking", Tag: "Bookings",
		Roles: memberRoles, Params: []openapi.Param{idParam},
		Responses: withResponse(errResponses(401, 403, 404), 200, openapi.Response{Description: "OK", Schema: "Booking"}),
	})
	g.AddOperation(openapi.Operation{
		Method: http.MethodPatch, Path: "/bookings/:id", Summary: "Complete or cancel a booking", Tag: "Bookings",
		Roles: memberRoles, Params: []openapi.Param{idParam}, RequestBody: "TransitionRequest",
		Responses: withResponse(errResponses(400, 401, 403, 404, 409), 200, openapi.Response{Description: "OK", Schema: "Booking"}),
	})
	g.AddOperation(openapi.Operation{
		Method: http.MethodPost, Path: "/ratings", Summary: "Rate a completed booking", Tag: "Ratings",
		Roles: clientRoles, RequestBody: "SubmitRatingRequest",
		Responses: withResponse(errResponses(400, 401, 403, 404, 409, 503), 201, openapi.Response{Description: "Created", Schema: "RatingResult"}),
	})
	g.AddOperation(openapi.Operation{
		Method: http.MethodGet, Path: "/providers/:id/ratings", Summary: "List a provider's ratings", Tag: "Ratings",
		Params:    []openapi.Param{idParam, limitParam, offsetParam},
		Responses: withResponse(errResponses(400), 200, openapi.Response{Description: "OK", Schema: "Rating", Paged: true}),
	})
	g.AddOperation(openapi.Operation{
		Method: http.MethodGet, Path: "/providers/:id/score", Summary: "Read a provider's aggregate score", Tag: "Ratings",
		Params:    []openapi.Param{idParam},
		Responses: withResponse(errResponses(400, 404), 200, openapi.Response{Description: "OK", Schema: "ProviderScore"}),
	})
}
