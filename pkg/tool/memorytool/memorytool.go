// Package memorytool exposes the temporal store to the model as the
// temporal-memory toolset: recall fetches trimmed tool responses back
// by message id, memorize files any message's content under a chosen
// key. Responses produced through this toolset are exempt from
// trimming, so recalled text survives the next refinement pass.
package memorytool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mentatlabs/mentat/pkg/conversation"
	"github.com/mentatlabs/mentat/pkg/memory"
	"github.com/mentatlabs/mentat/pkg/tool"
)

// Set serves recall and memorize over a temporal store and the
// conversation log.
type Set struct {
	store *memory.TemporalStore
	log   *conversation.Store
}

// New builds the toolset. store must be the same instance the
// trimming refiner writes to, or recall keys will never resolve.
func New(store *memory.TemporalStore, log *conversation.Store) *Set {
	return &Set{store: store, log: log}
}

// ID implements tool.Toolset.
func (s *Set) ID() string {
	return memory.ProviderID
}

// Tools implements tool.Toolset.
func (s *Set) Tools(ctx context.Context) ([]tool.Definition, error) {
	return []tool.Definition{
		{
			Name: "recall",
			Description: "Returns the concatenated contents for multiple keys from temporal memory " +
				"as a dictionary mapping each key to its associated text, if any.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"keys": map[string]interface{}{
						"type":        "array",
						"description": "Keys to look up, usually message ids from recall markers",
						"items": map[string]interface{}{
							"type":        "string",
							"description": "A single key",
						},
					},
				},
				"required": []interface{}{"keys"},
			},
		},
		{
			Name: "memorize",
			Description: "Given a unique 'key' and a 'msg_id' (the ID of a previous message), " +
				"saves the content of that message in temporal memory under the given key. " +
				"Enables selective recall of important conversation segments.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"key": map[string]interface{}{
						"type":        "string",
						"description": "Key to store the content under",
					},
					"msg_id": map[string]interface{}{
						"type":        "string",
						"description": "ID of the message whose content is stored",
					},
				},
				"required": []interface{}{"key", "msg_id"},
			},
		},
	}, nil
}

// Call implements tool.Toolset.
func (s *Set) Call(ctx context.Context, callID, name string, args map[string]interface{}) (string, error) {
	switch name {
	case "recall":
		return s.recall(args)
	case "memorize":
		return s.memorize(args)
	default:
		return "", tool.NewError(s.ID(), "call",
			fmt.Sprintf("tool %s not found", name), tool.ErrUnknownTool)
	}
}

// Close implements tool.Toolset. The store outlives the toolset.
func (s *Set) Close() error {
	return nil
}

func (s *Set) recall(args map[string]interface{}) (string, error) {
	keys, err := stringSlice(args["keys"])
	if err != nil {
		return "", tool.NewError(s.ID(), "recall", "keys must be a list of strings", err)
	}

	resolved := s.store.Get(keys)
	data, err := json.Marshal(resolved)
	if err != nil {
		return "", tool.NewError(s.ID(), "recall", "failed to encode result", err)
	}
	return string(data), nil
}

func (s *Set) memorize(args map[string]interface{}) (string, error) {
	key, _ := args["key"].(string)
	if strings.TrimSpace(key) == "" {
		return "", tool.NewError(s.ID(), "memorize", "key is empty", nil)
	}
	msgID, _ := args["msg_id"].(string)
	if strings.TrimSpace(msgID) == "" {
		return "", tool.NewError(s.ID(), "memorize", "msg_id is empty", nil)
	}

	msg, err := s.log.Get(msgID)
	if err != nil {
		return "", tool.NewError(s.ID(), "memorize",
			fmt.Sprintf("message with id %s not found", msgID), err)
	}
	if msg.Content == "" {
		return "", tool.NewError(s.ID(), "memorize", "message content is empty", nil)
	}

	s.store.Put(key, msg.Content)
	return "success", nil
}

func stringSlice(v interface{}) ([]string, error) {
	switch vals := v.(type) {
	case []string:
		return vals, nil
	case []interface{}:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			str, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("element %v is not a string", item)
			}
			out = append(out, str)
		}
		return out, nil
	case nil:
		return nil, fmt.Errorf("missing keys")
	default:
		return nil, fmt.Errorf("unexpected type %T", v)
	}
}

var _ tool.Toolset = (*Set)(nil)
