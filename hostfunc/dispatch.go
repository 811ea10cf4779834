package hostfunc

import (
	"context"
	"encoding/json"
	"fmt"
)

// Dispatch decodes a CallRequest, runs the named function and returns the
// encoded CallResponse. Failures, including panics in the function, are
// reported in the response; Dispatch itself never fails.
func (r *Registry) Dispatch(ctx context.Context, raw []byte) []byte {
	var req CallRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return encodeResponse(CallResponse{Error: "invalid call format"})
	}
	return encodeResponse(r.call(ctx, req))
}

func (r *Registry) call(ctx context.Context, req CallRequest) (resp CallResponse) {
	fn, ok := r.Get(req.Fn)
	if !ok {
		return CallResponse{Error: "unknown function: " + req.Fn}
	}
	if req.Args == nil {
		req.Args = make(map[string]any)
	}

	defer func() {
		if v := recover(); v != nil {
			resp = CallResponse{Error: fmt.Sprintf("%s: internal error: %v", req.Fn, v)}
		}
	}()

	result, err := fn(ctx, req.Args)
	if err != nil {
		return CallResponse{Error: err.Error()}
	}
	return CallResponse{Data: result}
}

func encodeResponse(resp CallResponse) []byte {
	data, err := json.Marshal(resp)
	if err != nil {
		data, _ = json.Marshal(CallResponse{Error: "unencodable result: " + err.Error()})
	}
	return data
}
