package broker

import "encoding/json"

// extractRoutingKey pulls the originating user id out of a webhook body.
// Tracker event shapes vary, so extraction is best-effort over the known
// spellings; an empty key means "route to any authenticated session".
func extractRoutingKey(rawBody []byte) string {
	var body struct {
		Actor struct {
			ID string `json:"id"`
		} `json:"actor"`
		UserID string `json:"userId"`
		User   struct {
			ID string `json:"id"`
		} `json:"user"`
	}
	if err := json.Unmarshal(rawBody, &body); err != nil {
		return ""
	}
	if body.Actor.ID != "" {
		return body.Actor.ID
	}
	if body.UserID != "" {
		return body.UserID
	}
	return body.User.ID
}
