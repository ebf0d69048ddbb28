package provider

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/anime-embed-crawler/internal/failure"
	"github.com/JakeFAU/anime-embed-crawler/internal/scrape"
)

var trailingID = regexp.MustCompile(`-(\d+)$`)

func parseErr(op string, format string, args ...any) error {
	return failure.New(failure.Parse, op, fmt.Errorf(format+": %w", append(args, failure.ErrParse)...))
}

func parseSearch(body []byte) ([]SearchResult, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, parseErr("parse search", "read html: %v", err)
	}
	var results []SearchResult
	doc.Find(".flw-item").Each(func(_ int, s *goquery.Selection) {
		link := s.Find(".film-name a").First()
		href, ok := link.Attr("href")
		if !ok {
			return
		}
		slug := path.Base(strings.SplitN(href, "?", 2)[0])
		if slug == "" || slug == "." || slug == "/" {
			return
		}
		title := strings.TrimSpace(link.AttrOr("title", ""))
		if title == "" {
			title = strings.TrimSpace(link.Text())
		}
		id := strings.TrimSpace(s.Find("[data-id]").First().AttrOr("data-id", ""))
		if id == "" {
			if m := trailingID.FindStringSubmatch(slug); m != nil {
				id = m[1]
			}
		}
		results = append(results, SearchResult{Title: title, Slug: slug, ProviderID: id})
	})
	return results, nil
}

type ajaxEnvelope struct {
	Status *bool  `json:"status"`
	HTML   string `json:"html"`
	Link   string `json:"link"`
	Type   string `json:"type"`
}

func ajaxHTML(body []byte, endpoint string) (string, error) {
	var env ajaxEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return "", failure.New(failure.Parse, "parse "+endpoint, fmt.Errorf("decode envelope: %w", err))
	}
	if env.Status != nil && !*env.Status {
		return "", parseErr("parse "+endpoint, "provider reported status=false")
	}
	return env.HTML, nil
}

func parseEpisodes(fragment string) ([]Episode, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return nil, parseErr("parse episode list", "read html: %v", err)
	}
	var (
		episodes []Episode
		bad      error
	)
	doc.Find(".ep-item").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		rawNumber := strings.TrimSpace(s.AttrOr("data-number", ""))
		number, err := strconv.Atoi(rawNumber)
		id := strings.TrimSpace(s.AttrOr("data-id", ""))
		if err != nil || number <= 0 || id == "" {
			bad = parseErr("parse episode list", "episode item number=%q id=%q", rawNumber, id)
			return false
		}
		episodes = append(episodes, Episode{Number: number, ID: id, Title: strings.TrimSpace(s.AttrOr("title", ""))})
		return true
	})
	if bad != nil {
		return nil, bad
	}
	return episodes, nil
}

func parseServers(fragment string) ([]Server, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return nil, parseErr("parse servers", "read html: %v", err)
	}
	var servers []Server
	perTrack := map[scrape.AudioTrack]int{}
	doc.Find(".server-item").Each(func(_ int, s *goquery.Selection) {
		track, ok := trackOf(s.AttrOr("data-type", ""))
		if !ok {
			return
		}
		id := strings.TrimSpace(s.AttrOr("data-id", ""))
		if id == "" {
			return
		}
		name := strings.ToLower(strings.TrimSpace(s.Text()))
		servers = append(servers, Server{Name: name, ID: id, Track: track, Index: perTrack[track]})
		perTrack[track]++
	})
	return servers, nil
}

func trackOf(dataType string) (scrape.AudioTrack, bool) {
	switch strings.ToLower(strings.TrimSpace(dataType)) {
	case "sub":
		return scrape.TrackOriginal, true
	case "dub":
		return scrape.TrackDubbed, true
	default:
		return "", false
	}
}

func parseSource(body []byte) (string, error) {
	var env ajaxEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return "", failure.New(failure.Parse, "parse "+EndpointSources, fmt.Errorf("decode envelope: %w", err))
	}
	link := strings.TrimSpace(env.Link)
	if link == "" {
		return "", parseErr("parse "+EndpointSources, "envelope has no link")
	}
	return link, nil
}
