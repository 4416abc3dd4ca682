package api

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
)

type initiateCallRequest struct {
	ReceiverID string   `json:"receiverId"`
	Type       CallType `json:"type"`
}

// InitiateCall creates a call record and rings the receiver.
func (c *Client) InitiateCall(ctx context.Context, receiverID string, callType CallType) (*Call, error) {
	var call Call
	_, err := c.doJSON(ctx, http.MethodPost, "/calls/initiate", nil, initiateCallRequest{ReceiverID: receiverID, Type: callType}, &call)
	if err != nil {
		return nil, err
	}
	return &call, nil
}

// AcceptCall marks a ringing call accepted.
func (c *Client) AcceptCall(ctx context.Context, callID string) (*Call, error) {
	return c.callAction(ctx, callID, "accept")
}

// RejectCall declines a ringing call.
func (c *Client) RejectCall(ctx context.Context, callID string) (*Call, error) {
	return c.callAction(ctx, callID, "reject")
}

// EndCall terminates a call from either side.
func (c *Client) EndCall(ctx context.Context, callID string) (*Call, error) {
	return c.callAction(ctx, callID, "end")
}

func (c *Client) callAction(ctx context.Context, callID, action string) (*Call, error) {
	var call Call
	_, err := c.doJSON(ctx, http.MethodPost, "/calls/"+callID+"/"+action, nil, nil, &call)
	if err != nil {
		return nil, err
	}
	return &call, nil
}

// GetCall fetches a call record.
func (c *Client) GetCall(ctx context.Context, callID string) (*Call, error) {
	var call Call
	_, err := c.doJSON(ctx, http.MethodGet, "/calls/"+callID, nil, nil, &call)
	if err != nil {
		return nil, err
	}
	return &call, nil
}

// CallHistory returns one page of the user's past calls.
func (c *Client) CallHistory(ctx context.Context, page, limit int) ([]Call, *Pagination, error) {
	q := url.Values{}
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var calls []Call
	pg, err := c.doJSON(ctx, http.MethodGet, "/calls/history", q, nil, &calls)
	if err != nil {
		return nil, nil, err
	}
	return calls, pg, nil
}
