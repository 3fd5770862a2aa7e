package mentions

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/leonletto/chatcore/internal/chat"
	"github.com/leonletto/chatcore/internal/policy"
	"github.com/leonletto/chatcore/internal/presence"
	"github.com/leonletto/chatcore/internal/store"
)

// DefaultMaxGroupMembers caps the size of a group that may be mentioned.
const DefaultMaxGroupMembers = 50

// Result is the outcome of resolving the mentions of one message.
type Result struct {
	chat.Reach

	// Targets are the mention rows to persist.
	Targets []chat.Mention

	// Names maps resolved user ids to their username.
	Names map[int64]string
}

// Request describes one resolution.
type Request struct {
	Channel  *chat.Channel
	SenderID int64
	Names    []string

	// Existing targets are skipped: they produce no row and notify nobody.
	// Edits pass the message's current mention rows here.
	Existing []chat.Mention
}

// Empty reports whether nothing was resolved.
func (r *Result) Empty() bool {
	return len(r.Targets) == 0 && len(r.TooManyMembers) == 0
}

// Resolver turns parsed mention names into mention rows and notification buckets.
type Resolver struct {
	db              store.Queryer
	guardian        policy.Guardian
	presence        presence.Tracker
	maxGroupMembers int
}

// NewResolver creates a resolver. maxGroupMembers <= 0 uses DefaultMaxGroupMembers.
func NewResolver(db store.Queryer, guardian policy.Guardian, tracker presence.Tracker, maxGroupMembers int) *Resolver {
	if maxGroupMembers <= 0 {
		maxGroupMembers = DefaultMaxGroupMembers
	}
	return &Resolver{db: db, guardian: guardian, presence: tracker, maxGroupMembers: maxGroupMembers}
}

// Resolve expands the names of req. The queries run against q so callers can
// resolve inside their transaction; a nil q uses the resolver's database.
func (r *Resolver) Resolve(ctx context.Context, q store.Queryer, req Request) (*Result, error) {
	if q == nil {
		q = r.db
	}
	res := &Result{Names: make(map[int64]string)}
	if len(req.Names) == 0 {
		return res, nil
	}

	channel := req.Channel
	cand := newCandidates(req.SenderID)
	existing := func(m chat.Mention) bool {
		return slices.ContainsFunc(req.Existing, func(e chat.Mention) bool {
			return e.TargetType == m.TargetType && e.TargetID == m.TargetID
		})
	}

	var direct []string
	for _, name := range req.Names {
		switch name {
		case All, Here:
			target := chat.Mention{TargetType: chat.MentionAll}
			if name == Here {
				target.TargetType = chat.MentionHere
			}
			if existing(target) {
				continue
			}
			res.Targets = append(res.Targets, target)

			members, err := followingMembers(ctx, q, channel.ID)
			if err != nil {
				return nil, err
			}
			if name == Here {
				if r.presence == nil {
					continue
				}
				members, err = r.presence.Present(ctx, members)
				if err != nil {
					return nil, fmt.Errorf("resolve present members: %w", err)
				}
			}
			cand.add(members...)
		default:
			direct = append(direct, name)
		}
	}

	users, err := usersByName(ctx, q, direct)
	if err != nil {
		return nil, err
	}
	var groupNames []string
	for _, name := range direct {
		u, ok := users[name]
		if !ok {
			groupNames = append(groupNames, name)
			continue
		}
		target := chat.Mention{TargetType: chat.MentionUser, TargetID: u.ID}
		if existing(target) {
			continue
		}
		res.Targets = append(res.Targets, target)
		res.Names[u.ID] = u.Username
		cand.add(u.ID)
	}

	if err := r.expandGroups(ctx, q, groupNames, existing, res, cand); err != nil {
		return nil, err
	}

	if err := r.classify(ctx, q, channel, req.SenderID, cand.ids, res); err != nil {
		return nil, err
	}
	return res, nil
}

// expandGroups resolves mentionable groups. Groups over the cap are reported,
// not expanded; their mention row is still kept.
func (r *Resolver) expandGroups(ctx context.Context, q store.Queryer, names []string, existing func(chat.Mention) bool, res *Result, cand *candidates) error {
	if len(names) == 0 {
		return nil
	}

	args := make([]any, len(names))
	for i, n := range names {
		args[i] = n
	}
	rows, err := q.QueryContext(ctx, `
		SELECT g.id, unicode_lower(g.name), COUNT(gm.user_id)
		FROM groups g
		LEFT JOIN group_members gm ON gm.group_id = g.id
		WHERE g.mentionable = 1 AND unicode_lower(g.name) IN (`+strings.TrimSuffix(strings.Repeat("?,", len(names)), ",")+`)
		GROUP BY g.id`, args...)
	if err != nil {
		return fmt.Errorf("query groups: %w", err)
	}

	type group struct {
		id    int64
		name  string
		count int
	}
	byName := make(map[string]group)
	for rows.Next() {
		var g group
		if err := rows.Scan(&g.id, &g.name, &g.count); err != nil {
			_ = rows.Close()
			return fmt.Errorf("scan group: %w", err)
		}
		byName[g.name] = g
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate groups: %w", err)
	}

	// Keep mention order stable: follow the order the names appeared in.
	for _, name := range names {
		g, ok := byName[name]
		if !ok {
			continue
		}
		target := chat.Mention{TargetType: chat.MentionGroup, TargetID: g.id}
		if existing(target) {
			continue
		}
		res.Targets = append(res.Targets, target)
		if g.count > r.maxGroupMembers {
			res.TooManyMembers = append(res.TooManyMembers, name)
			continue
		}
		members, err := groupMembers(ctx, q, g.id)
		if err != nil {
			return err
		}
		cand.add(members...)
	}
	return nil
}

// classify splits candidates into the three buckets.
func (r *Resolver) classify(ctx context.Context, q store.Queryer, channel *chat.Channel, senderID int64, ids []int64, res *Result) error {
	if len(ids) == 0 {
		return nil
	}

	ignoring, err := usersIgnoring(ctx, q, senderID, ids)
	if err != nil {
		return err
	}
	members, err := channelMembers(ctx, q, channel.ID, ids)
	if err != nil {
		return err
	}

	for _, id := range ids {
		switch {
		case ignoring[id]:
			res.Unreachable = append(res.Unreachable, id)
		case members[id]:
			res.Notify = append(res.Notify, id)
		case channel.IsDirect():
			res.Unreachable = append(res.Unreachable, id)
		default:
			ok, err := r.guardian.CanJoinChannel(ctx, id, channel)
			if err != nil {
				return fmt.Errorf("check join for user %d: %w", id, err)
			}
			if ok {
				res.WelcomeToJoin = append(res.WelcomeToJoin, id)
			} else {
				res.Unreachable = append(res.Unreachable, id)
			}
		}
	}
	return nil
}

type candidates struct {
	sender int64
	seen   map[int64]bool
	ids    []int64
}

func newCandidates(sender int64) *candidates {
	return &candidates{sender: sender, seen: make(map[int64]bool)}
}

func (c *candidates) add(ids ...int64) {
	for _, id := range ids {
		if id == c.sender || c.seen[id] {
			continue
		}
		c.seen[id] = true
		c.ids = append(c.ids, id)
	}
}

func usersByName(ctx context.Context, q store.Queryer, names []string) (map[string]chat.User, error) {
	out := make(map[string]chat.User)
	if len(names) == 0 {
		return out, nil
	}
	args := make([]any, len(names))
	for i, n := range names {
		args[i] = n
	}
	rows, err := q.QueryContext(ctx, `
		SELECT id, username FROM users
		WHERE unicode_lower(username) IN (`+strings.TrimSuffix(strings.Repeat("?,", len(names)), ",")+`)
		  AND chat_enabled = 1 AND active = 1 AND id > 0`, args...)
	if err != nil {
		return nil, fmt.Errorf("query mentioned users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var u chat.User
		if err := rows.Scan(&u.ID, &u.Username); err != nil {
			return nil, fmt.Errorf("scan mentioned user: %w", err)
		}
		out[strings.ToLower(u.Username)] = u
	}
	return out, rows.Err()
}

func followingMembers(ctx context.Context, q store.Queryer, channelID int64) ([]int64, error) {
	return queryIDs(ctx, q, `
		SELECT m.user_id FROM memberships m
		JOIN users u ON u.id = m.user_id
		WHERE m.channel_id = ? AND m.following = 1 AND u.active = 1 AND u.chat_enabled = 1
		ORDER BY m.user_id`, channelID)
}

func groupMembers(ctx context.Context, q store.Queryer, groupID int64) ([]int64, error) {
	return queryIDs(ctx, q, `
		SELECT gm.user_id FROM group_members gm
		JOIN users u ON u.id = gm.user_id
		WHERE gm.group_id = ? AND u.active = 1 AND u.chat_enabled = 1
		ORDER BY gm.user_id`, groupID)
}

func usersIgnoring(ctx context.Context, q store.Queryer, senderID int64, ids []int64) (map[int64]bool, error) {
	marks, args := store.Placeholders(ids)
	args = append([]any{senderID}, args...)
	got, err := queryIDs(ctx, q, `
		SELECT DISTINCT user_id FROM user_ignores
		WHERE target_user_id = ? AND user_id IN (`+marks+`)`, args...)
	if err != nil {
		return nil, err
	}
	return toSet(got), nil
}

func channelMembers(ctx context.Context, q store.Queryer, channelID int64, ids []int64) (map[int64]bool, error) {
	marks, args := store.Placeholders(ids)
	args = append([]any{channelID}, args...)
	got, err := queryIDs(ctx, q, `
		SELECT user_id FROM memberships
		WHERE channel_id = ? AND following = 1 AND user_id IN (`+marks+`)`, args...)
	if err != nil {
		return nil, err
	}
	return toSet(got), nil
}

func queryIDs(ctx context.Context, q store.Queryer, query string, args ...any) ([]int64, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ids: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func toSet(ids []int64) map[int64]bool {
	set := make(map[int64]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

// NewTargets returns the targets in after that are not in before.
func NewTargets(before, after []chat.Mention) []chat.Mention {
	var out []chat.Mention
	for _, m := range after {
		if !slices.ContainsFunc(before, func(b chat.Mention) bool {
			return b.TargetType == m.TargetType && b.TargetID == m.TargetID
		}) {
			out = append(out, m)
		}
	}
	return out
}
