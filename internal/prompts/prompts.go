// Package prompts holds the LLM prompt templates. Placeholders use
// {curly_name} tokens substituted with strings.NewReplacer at call sites.
package prompts

// CompletionDelimiter terminates NDJSON extraction output.
const CompletionDelimiter = "<|COMPLETE|>"

// EntityExtraction renders with {entity_types} and {input_text}.
const EntityExtraction = `-Goal-
Given a text document and a list of entity types, identify all entities of those types and all relationships among the identified entities.

-Steps-
1. Identify all entities. For each, extract:
- name: capitalized name of the entity
- entity_type: one of: [{entity_types}]
- description: comprehensive description of the entity's attributes and activities
Output each entity as a single-line JSON object:
{"type": "entity", "name": <name>, "entity_type": <entity_type>, "description": <description>}

2. From the entities identified in step 1, identify all pairs of (source, target) entities that are *clearly related* to each other. For each pair extract:
- source: name of the source entity
- target: name of the target entity
- description: explanation of why the source and target are related
- strength: an integer score 1-10 indicating the strength of the relationship
Output each relationship as a single-line JSON object:
{"type": "relationship", "source": <source>, "target": <target>, "description": <description>, "strength": <strength>}

3. Output one JSON object per line. Do not wrap the output in a list or markdown fences.

4. When finished, output {completion_delimiter}

######################
-Examples-
######################
Text:
while Alex clenched his jaw, the buzz of frustration dull against the backdrop of Taylor's authoritarian certainty. It was this competitive undercurrent that kept him alert
######################
Output:
{"type": "entity", "name": "ALEX", "entity_type": "PERSON", "description": "Alex is a character who experiences frustration and is observant of dynamics among other characters."}
{"type": "entity", "name": "TAYLOR", "entity_type": "PERSON", "description": "Taylor is portrayed with authoritarian certainty."}
{"type": "relationship", "source": "ALEX", "target": "TAYLOR", "description": "Alex is affected by Taylor's authoritarian certainty and observes a competitive undercurrent.", "strength": 7}
{completion_delimiter}

######################
-Real Data-
######################
Text:
{input_text}
######################
Output:
`

// EntityGleaning asks for records missed on the previous pass.
const EntityGleaning = `MANY entities were missed in the last extraction. Add them below using the same single-line JSON format. Output {completion_delimiter} when done.
`

// EntityGleaningJudge renders with no placeholders; expects YES or NO.
const EntityGleaningJudge = `It appears some entities may have still been missed. Answer YES or NO if there are still entities that need to be added.
`

// EntityContinuation recovers output lost to truncation. Relationship
// extraction is emphasized because truncated tails lose them first.
const EntityContinuation = `Your previous output was cut off before it finished. Continue EXACTLY where you stopped. Do not repeat records you already emitted. Focus especially on relationship records that are still missing, one JSON object per line, then output {completion_delimiter}
`

// SummarizeEntityDescriptions renders with {entity_name} and
// {description_list}.
const SummarizeEntityDescriptions = `You are a helpful assistant responsible for generating a comprehensive summary of the data provided below.
Given one entity and a list of descriptions, all related to the same entity, concatenate all of these into a single, comprehensive description written in third person. Make sure to include information collected from all the descriptions and resolve any contradictions.

#######
-Data-
Entity: {entity_name}
Description List: {description_list}
#######
Output:
`

// CommunityReport renders with {input_text} (the packed CSV context).
const CommunityReport = `You are an AI assistant that helps a human analyst perform information discovery about a community of entities within a knowledge graph.

# Goal
Write a comprehensive report of the community given its entities, relationships and sub-community summaries below. The report will inform decision-makers about the community's significance.

Return output as a well-formed JSON object with the following keys:
- title: community's name, representative of its key entities
- summary: an executive summary of the community's overall structure
- rating: a float score 0-10 of the community's importance
- rating_explanation: single sentence explaining the rating
- findings: a list of 5-10 objects, each with "summary" and "explanation" keys

# Community Data
{input_text}

Output:
`

// LocalRAGResponse renders with {context_data} and {response_type}.
const LocalRAGResponse = `You are a helpful assistant responding to questions about data in the tables provided.

---Goal---
Generate a response of the target length and format that responds to the user's question, summarizing all information in the input data tables appropriate for the response length and format, and incorporating any relevant general knowledge. Do not include information where the supporting evidence for it is not provided.

---Target response length and format---
{response_type}

---Data tables---
{context_data}
`

// GlobalMapRAGPoints renders with {context_data}; the model answers with a
// JSON list of scored points.
const GlobalMapRAGPoints = `You are a helpful assistant responding to questions about data in the reports provided.

---Goal---
Generate a response consisting of a list of key points that respond to the user's question, summarizing all relevant information in the input data reports. Each point must carry an importance score 0-100.

Return output as a well-formed JSON object:
{"points": [{"description": "...", "score": <int>}]}

---Data reports---
{context_data}
`

// GlobalReduceRAGResponse renders with {report_data} and {response_type}.
const GlobalReduceRAGResponse = `You are a helpful assistant responding to questions about a dataset by synthesizing perspectives from multiple analysts.

---Goal---
Generate a response of the target length and format that responds to the user's question, summarizing all the reports from multiple analysts who focused on different parts of the dataset. Points with higher importance scores carry more weight. Do not include information where the supporting evidence for it is not provided.

---Target response length and format---
{response_type}

---Analyst Reports---
{report_data}
`

// NaiveRAGResponse renders with {content_data} and {response_type}.
const NaiveRAGResponse = `You are a helpful assistant. Answer the user's question using the document chunks below. If you don't know the answer, just say so. Do not make anything up. Do not include information where the supporting evidence for it is not provided.

---Target response length and format---
{response_type}

---Document chunks---
{content_data}
`

// FailResponse is returned when retrieval produced nothing usable.
const FailResponse = "Sorry, I'm not able to provide an answer to that question."
