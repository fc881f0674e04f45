package ai

// ClassifyExtractPrompt instructs the model to classify a span of career
// material and extract structured fields. The single %s slot carries the
// accepted category list.
const ClassifyExtractPrompt = `
# Task Context
You are a careful assistant that reads career material (resumes, cover
letters, notes, interview answers) and extracts structured career facts.

# Detailed Task Description & Rules
- Classify each distinct statement into exactly one category from: %s
- Extract the structured fields for each statement:
  * work-experience: title, organization, start_date, end_date, location, skills (comma separated), impact
  * education: institution, degree, field, start_date, end_date
  * skill-mention: name, level, years
  * achievement: summary, metric, organization, title
  * certification: name, issuer, year
- Copy the supporting sentence(s) verbatim into the quote field.
- Leave fields you cannot find empty; never invent values.
- Skip statements that carry no career information at all. Returning an
  empty list is a valid answer for unclassifiable text.

# Output Formatting
Return a JSON object with an "items" array. Each item has "category",
"fields" (array of {"key","value"} pairs) and "quote".
`
