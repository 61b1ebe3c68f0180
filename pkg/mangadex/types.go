package mangadex

// JSON shapes returned by the MangaDex REST API. Only the fields the
// client reads are mapped.

type seriesResponse struct {
	Data struct {
		ID         string `json:"id"`
		Attributes struct {
			Title       map[string]string `json:"title"`
			Description map[string]string `json:"description"`
			Year        int               `json:"year"`
		} `json:"attributes"`
		Relationships []relationship `json:"relationships"`
	} `json:"data"`
}

type relationship struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Attributes struct {
		Name     string `json:"name"`
		FileName string `json:"fileName"`
	} `json:"attributes"`
}

type chapterResponse struct {
	Data struct {
		ID         string `json:"id"`
		Attributes struct {
			Title              string `json:"title"`
			Volume             string `json:"volume"`
			Chapter            string `json:"chapter"`
			TranslatedLanguage string `json:"translatedLanguage"`
			ExternalURL        string `json:"externalUrl"`
		} `json:"attributes"`
		Relationships []relationship `json:"relationships"`
	} `json:"data"`
}

type aggregateResponse struct {
	Volumes map[string]struct {
		Volume   string `json:"volume"`
		Chapters map[string]struct {
			Chapter string   `json:"chapter"`
			ID      string   `json:"id"`
			Others  []string `json:"others"`
		} `json:"chapters"`
	} `json:"volumes"`
}

type atHomeResponse struct {
	BaseURL string `json:"baseUrl"`
	Chapter struct {
		Hash string   `json:"hash"`
		Data []string `json:"data"`
	} `json:"chapter"`
}

type coverResponse struct {
	Total int `json:"total"`
	Data  []struct {
		Type       string `json:"type"`
		Attributes struct {
			Volume   string `json:"volume"`
			FileName string `json:"fileName"`
		} `json:"attributes"`
	} `json:"data"`
}

// ChapterGroup is the set of chapter UUIDs that publish the same chapter
// number across scanlation groups. The first ID is MangaDex's preferred
// upload.
type ChapterGroup struct {
	Volume  string
	Chapter string
	IDs     []string
}
