package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

// Store persists identity-scoped client state in BadgerDB. Keys carry
// the identity so that switching identities on the same machine never
// mixes data:
//
//	requests:{identity}        pending friend requests
//	friends:{identity}         friend list
//	groups:{identity}          cached group rosters
//	chat:{identity}:{chatId}   one conversation with its log
type Store struct {
	db *badger.DB
}

// OpenStore opens (or creates) the store at dir. An empty dir opens
// an in-memory store, used by tests.
func OpenStore(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLoggingLevel(badger.ERROR)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) SaveRequests(identity string, requests []FriendRequest) error {
	return s.putJSON(requestsKey(identity), requests)
}

func (s *Store) LoadRequests(identity string) ([]FriendRequest, error) {
	var out []FriendRequest
	err := s.getJSON(requestsKey(identity), &out)
	return out, err
}

func (s *Store) SaveFriends(identity string, friends []Friend) error {
	return s.putJSON(friendsKey(identity), friends)
}

func (s *Store) LoadFriends(identity string) ([]Friend, error) {
	var out []Friend
	err := s.getJSON(friendsKey(identity), &out)
	return out, err
}

func (s *Store) SaveGroups(identity string, groups []GroupRef) error {
	return s.putJSON(groupsKey(identity), groups)
}

func (s *Store) LoadGroups(identity string) ([]GroupRef, error) {
	var out []GroupRef
	err := s.getJSON(groupsKey(identity), &out)
	return out, err
}

func (s *Store) SaveChat(identity string, chat Chat) error {
	return s.putJSON(chatKey(identity, chat.ID), chat)
}

func (s *Store) DeleteChat(identity, chatID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(chatKey(identity, chatID)))
	})
}

// LoadChats scans the identity's chat prefix and returns every
// conversation keyed by chat id.
func (s *Store) LoadChats(identity string) (map[string]*Chat, error) {
	chats := make(map[string]*Chat)
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(chatPrefix(identity))
		options := badger.DefaultIteratorOptions
		it := txn.NewIterator(options)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			err := item.Value(func(value []byte) error {
				var chat Chat
				if err := json.Unmarshal(value, &chat); err != nil {
					return err
				}
				chats[chat.ID] = &chat
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return chats, nil
}

func (s *Store) putJSON(key string, v any) error {
	bytes, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), bytes)
	})
}

// getJSON leaves v untouched when the key is absent.
func (s *Store) getJSON(key string, v any) error {
	return s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(value []byte) error {
			return json.Unmarshal(value, v)
		})
	})
}

func requestsKey(identity string) string { return "requests:" + identity }

func friendsKey(identity string) string { return "friends:" + identity }

func groupsKey(identity string) string { return "groups:" + identity }

func chatPrefix(identity string) string { return "chat:" + identity + ":" }

func chatKey(identity, chatID string) string {
	// Chat ids are identities or uuids, neither contains ':'.
	return chatPrefix(identity) + strings.ReplaceAll(chatID, ":", "_")
}
