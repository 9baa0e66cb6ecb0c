package secondme

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// BookUser is a public directory profile.
type BookUser struct {
	ID               string `json:"id"`
	Nickname         string `json:"nickname"`
	Avatar           string `json:"avatar"`
	Bio              string `json:"bio"`
	SelfIntroduction string `json:"selfIntroduction"`
	Route            string `json:"route"`
}

// BookUsers returns up to count distinct authors of recent directory posts.
// Only id, nickname and avatar are filled; use BookUserDetail for the bio.
func (c *Client) BookUsers(ctx context.Context, token string, count int) ([]BookUser, error) {
	limit := count * 2
	if limit > 40 {
		limit = 40
	}

	data, err := c.bookGet(ctx, token, fmt.Sprintf("/posts?limit=%d", limit), "posts")
	if err != nil {
		return nil, err
	}

	var posts []struct {
		Author *BookUser `json:"author"`
	}
	if err := json.Unmarshal(data, &posts); err != nil {
		return nil, fmt.Errorf("secondme book posts: failed to decode: %w", err)
	}

	seen := make(map[string]bool)
	var users []BookUser
	for _, post := range posts {
		if post.Author == nil || post.Author.ID == "" || seen[post.Author.ID] {
			continue
		}
		seen[post.Author.ID] = true
		users = append(users, BookUser{
			ID:       post.Author.ID,
			Nickname: post.Author.Nickname,
			Avatar:   post.Author.Avatar,
		})
		if len(users) >= count {
			break
		}
	}
	return users, nil
}

// BookUserDetail fetches one directory profile.
func (c *Client) BookUserDetail(ctx context.Context, token, userID string) (BookUser, error) {
	data, err := c.bookGet(ctx, token, "/users/"+url.PathEscape(userID), "user detail")
	if err != nil {
		return BookUser{}, err
	}

	var user BookUser
	if err := json.Unmarshal(data, &user); err != nil {
		return BookUser{}, fmt.Errorf("secondme book user detail: failed to decode: %w", err)
	}
	return user, nil
}

func (c *Client) bookGet(ctx context.Context, token, path, op string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.bookBaseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("secondme book %s: %w", op, err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("secondme book %s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{Op: "book " + op, StatusCode: resp.StatusCode}
	}

	data, err := unwrapData(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("secondme book %s: %w", op, err)
	}
	return data, nil
}
