package service

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// ParseProductIDs decodes the raw product_ids value of a request.
// Absent and null values are empty requests; anything other than a JSON array
// of positive integers is malformed.
func ParseProductIDs(raw json.RawMessage) ([]int64, *Failure) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, newFailure(StageValidateRequest, KindEmptyRequest, nil)
	}
	if trimmed[0] != '[' {
		return nil, newFailure(StageValidateRequest, KindMalformedRequest, fmt.Errorf("product_ids must be a list"))
	}

	var items []json.RawMessage
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, newFailure(StageValidateRequest, KindMalformedRequest, err)
	}
	if len(items) == 0 {
		return nil, newFailure(StageValidateRequest, KindEmptyRequest, nil)
	}

	ids := make([]int64, 0, len(items))
	for i, item := range items {
		id, err := parseIdentifier(item)
		if err != nil {
			return nil, newFailure(StageValidateRequest, KindMalformedRequest, fmt.Errorf("product_ids[%d]: %w", i, err))
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func parseIdentifier(raw json.RawMessage) (int64, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return 0, err
	}
	num, ok := v.(json.Number)
	if !ok {
		return 0, fmt.Errorf("identifier must be a number, got %s", raw)
	}
	id, err := num.Int64()
	if err != nil {
		return 0, fmt.Errorf("identifier must be an integer, got %s", num)
	}
	if id <= 0 {
		return 0, fmt.Errorf("identifier must be positive, got %d", id)
	}
	return id, nil
}

// validateRequest runs the request-shape checks that need no store access
func validateRequest(ids []int64) *Failure {
	if len(ids) == 0 {
		return newFailure(StageValidateRequest, KindEmptyRequest, nil)
	}

	seen := make(map[int64]int, len(ids))
	var duplicates []int64
	for _, id := range ids {
		if id <= 0 {
			return newFailure(StageValidateRequest, KindMalformedRequest, fmt.Errorf("identifier must be positive, got %d", id))
		}
		seen[id]++
		if seen[id] == 2 {
			duplicates = append(duplicates, id)
		}
	}

	if len(duplicates) > 0 {
		sort.Slice(duplicates, func(i, j int) bool { return duplicates[i] < duplicates[j] })
		f := newFailure(StageValidateRequest, KindDuplicateInRequest, nil)
		f.ProductIDs = duplicates
		return f
	}
	return nil
}
