package content

// Link is a labelled URL used in navigation and footers.
type Link struct {
	Label string `json:"label" validate:"required,max=60"`
	URL   string `json:"url" validate:"required,max=2048"`
}

// Hero is the landing section at the top of the marketing site.
type Hero struct {
	Title    string `json:"title" validate:"required,max=120"`
	Subtitle string `json:"subtitle,omitempty" validate:"max=300"`
	CTALabel string `json:"ctaLabel,omitempty" validate:"required_with=CTAURL,max=40"`
	CTAURL   string `json:"ctaUrl,omitempty" validate:"omitempty,max=2048"`
	ImageURL string `json:"imageUrl,omitempty" validate:"omitempty,http_url,max=2048"`
}

// Header holds the site logo and navigation.
type Header struct {
	LogoURL string `json:"logoUrl,omitempty" validate:"omitempty,http_url,max=2048"`
	Nav     []Link `json:"nav" validate:"max=12,dive"`
}

// Footer holds the site footer.
type Footer struct {
	Text   string `json:"text,omitempty" validate:"max=500"`
	Links  []Link `json:"links" validate:"max=20,dive"`
	Social []Link `json:"social" validate:"max=10,dive"`
}

// Testimonial is a client quote.
type Testimonial struct {
	Quote     string `json:"quote" validate:"required,max=1000"`
	Author    string `json:"author" validate:"required,max=100"`
	Company   string `json:"company,omitempty" validate:"max=100"`
	AvatarURL string `json:"avatarUrl,omitempty" validate:"omitempty,http_url,max=2048"`
}

// Feature is a selling point shown as a card.
type Feature struct {
	Title       string `json:"title" validate:"required,max=80"`
	Description string `json:"description" validate:"required,max=500"`
	Icon        string `json:"icon,omitempty" validate:"omitempty,slug,max=40"`
}

// Service is an offering of the agency.
type Service struct {
	Title       string `json:"title" validate:"required,max=80"`
	Description string `json:"description" validate:"required,max=2000"`
	ImageURL    string `json:"imageUrl,omitempty" validate:"omitempty,http_url,max=2048"`
	PriceFrom   string `json:"priceFrom,omitempty" validate:"max=40"`
}
