package service

import (
	"encoding/json"
	"net/http"

	"beatbridge/internal/publish/domain"
)

type wireListRecord struct {
	URI   string            `json:"uri"`
	CID   string            `json:"cid"`
	Value domain.PlayRecord `json:"value"`
}

func writeListRecordsResponse(w http.ResponseWriter, records []wireListRecord) {
	_ = json.NewEncoder(w).Encode(struct {
		Records []wireListRecord `json:"records"`
	}{Records: records})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func writeApplyWritesResponse(w http.ResponseWriter, n int) {
	type result struct {
		URI string `json:"uri"`
		CID string `json:"cid"`
	}
	results := make([]result, n)
	for i := range results {
		results[i] = result{URI: "at://did:plc:test/app.scrobble.play/x", CID: "bafy"}
	}
	_ = json.NewEncoder(w).Encode(struct {
		Results []result `json:"results"`
	}{Results: results})
}
