package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
)

// Persisted field names. Every value is stored as a string.
const (
	keyAccessToken     = "access_token"
	keyRefreshToken    = "refresh_token"
	keyTokenType       = "token_type"
	keyUserID          = "user_id"
	keyUserEmail       = "user_email"
	keyUserPhone       = "user_phone"
	keyUserFullName    = "user_full_name"
	keyUserRole        = "user_role"
	keyUserTeamID      = "user_team_id"
	keyUserTeamName    = "user_team_name"
	keyUserTeamLeader  = "user_is_team_leader"
	keyUserShared      = "user_is_shared_account"
	keyUserActive      = "user_is_active"
	keyUserVerified    = "user_is_verified"
	keyUserSpecialty   = "user_specialization"
	keyUserCreatedAt   = "user_created_at"
	defaultBucketName  = "default"
	sessionFileMode    = 0o600
	sessionTempPostfix = ".tmp"
)

// bucketFile is the on-disk layout: named buckets of string fields, so one
// file can hold sessions for several API environments.
type bucketFile struct {
	Buckets map[string]map[string]string `json:"buckets"`
}

// fileBucket reads and writes one named bucket inside a session file.
type fileBucket struct {
	path string
	name string
}

func (b fileBucket) load() (map[string]string, error) {
	data, err := os.ReadFile(b.path)
	if err != nil {
		return nil, err
	}

	var f bucketFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse session file: %w", err)
	}

	fields, ok := f.Buckets[b.name]
	if !ok {
		return nil, fmt.Errorf("no session stored in bucket %q", b.name)
	}
	return fields, nil
}

// save replaces this bucket, keeping every other bucket in the file. An empty
// field set removes the bucket.
func (b fileBucket) save(fields map[string]string) error {
	lock, err := lockBucketFile(b.path)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer func() {
		if releaseErr := lock.release(); releaseErr != nil {
			fmt.Fprintf(os.Stderr, "failed to release session lock: %v\n", releaseErr)
		}
	}()

	var f bucketFile
	if existing, err := os.ReadFile(b.path); err == nil {
		// A corrupt file is rewritten from scratch.
		if json.Unmarshal(existing, &f) != nil {
			f.Buckets = nil
		}
	}
	if f.Buckets == nil {
		f.Buckets = make(map[string]map[string]string)
	}

	if len(fields) == 0 {
		delete(f.Buckets, b.name)
	} else {
		f.Buckets[b.name] = fields
	}

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}

	tmp := b.path + sessionTempPostfix
	if err := os.WriteFile(tmp, data, sessionFileMode); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmp, b.path); err != nil {
		if removeErr := os.Remove(tmp); removeErr != nil {
			return errors.Join(
				fmt.Errorf("failed to rename temp file: %w", err),
				fmt.Errorf("failed to remove temp file: %w", removeErr),
			)
		}
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

func encodeSession(s Session) map[string]string {
	fields := make(map[string]string)
	put := func(k, v string) {
		if v != "" {
			fields[k] = v
		}
	}

	put(keyAccessToken, s.AccessToken)
	put(keyRefreshToken, s.RefreshToken)
	put(keyTokenType, s.TokenType)

	if u := s.User; u != nil {
		put(keyUserID, u.ID)
		put(keyUserEmail, u.Email)
		put(keyUserPhone, u.Phone)
		put(keyUserFullName, u.FullName)
		put(keyUserRole, string(u.Role))
		put(keyUserTeamID, u.TeamID)
		put(keyUserTeamName, u.TeamName)
		put(keyUserSpecialty, u.Specialization)
		put(keyUserCreatedAt, u.CreatedAt)
		fields[keyUserTeamLeader] = strconv.FormatBool(u.IsTeamLeader)
		fields[keyUserShared] = strconv.FormatBool(u.IsSharedAccount)
		fields[keyUserActive] = strconv.FormatBool(u.IsActive)
		fields[keyUserVerified] = strconv.FormatBool(u.IsVerified)
	}
	return fields
}

// decodeSession rebuilds a Session from stored fields. A bucket without a
// user id yields no profile.
func decodeSession(fields map[string]string) Session {
	s := Session{
		AccessToken:  fields[keyAccessToken],
		RefreshToken: fields[keyRefreshToken],
		TokenType:    fields[keyTokenType],
	}

	if fields[keyUserID] == "" {
		return s
	}

	flag := func(k string) bool {
		v, _ := strconv.ParseBool(fields[k])
		return v
	}
	s.User = &UserProfile{
		ID:              fields[keyUserID],
		Email:           fields[keyUserEmail],
		Phone:           fields[keyUserPhone],
		FullName:        fields[keyUserFullName],
		Role:            ParseRole(fields[keyUserRole]),
		TeamID:          fields[keyUserTeamID],
		TeamName:        fields[keyUserTeamName],
		IsTeamLeader:    flag(keyUserTeamLeader),
		IsSharedAccount: flag(keyUserShared),
		IsActive:        flag(keyUserActive),
		IsVerified:      flag(keyUserVerified),
		Specialization:  fields[keyUserSpecialty],
		CreatedAt:       fields[keyUserCreatedAt],
	}
	return s
}
